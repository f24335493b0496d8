// Package letter implements the structured letter document contract: strict
// schema validation of the model's JSON output, typography normalization,
// incremental previews over a partial JSON buffer, and rendering to the
// addressed-letter HTML used throughout the product.
package letter

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Document is the parsed letter JSON object. Address and date fields are
// present in the model output but are replaced wholesale from the user's
// profile before rendering; only Content, SubjectHTML and References survive
// the merge.
type Document struct {
	MPName      string `json:"mp_name"`
	MPAddress1  string `json:"mp_address_1"`
	MPAddress2  string `json:"mp_address_2"`
	MPCity      string `json:"mp_city"`
	MPCounty    string `json:"mp_county"`
	MPPostcode  string `json:"mp_postcode"`
	Date        string `json:"date"`
	SubjectHTML string `json:"subject_line_html"`
	Content     string `json:"letter_content"`

	SenderName     string `json:"sender_name"`
	SenderAddress1 string `json:"sender_address_1"`
	SenderAddress2 string `json:"sender_address_2"`
	SenderAddress3 string `json:"sender_address_3"`
	SenderCity     string `json:"sender_city"`
	SenderCounty   string `json:"sender_county"`
	SenderPostcode string `json:"sender_postcode"`
	SenderPhone    string `json:"sender_phone"`

	References []string `json:"references"`
}

// schemaJSON is the strict contract the model output must satisfy.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": [
    "mp_name", "mp_address_1", "mp_address_2", "mp_city", "mp_county",
    "mp_postcode", "date", "subject_line_html", "letter_content",
    "sender_name", "sender_address_1", "sender_address_2", "sender_address_3",
    "sender_city", "sender_county", "sender_postcode", "sender_phone",
    "references"
  ],
  "properties": {
    "mp_name": {"type": "string"},
    "mp_address_1": {"type": "string"},
    "mp_address_2": {"type": "string"},
    "mp_city": {"type": "string"},
    "mp_county": {"type": "string"},
    "mp_postcode": {"type": "string"},
    "date": {"type": "string"},
    "subject_line_html": {"type": "string"},
    "letter_content": {"type": "string"},
    "sender_name": {"type": "string"},
    "sender_address_1": {"type": "string"},
    "sender_address_2": {"type": "string"},
    "sender_address_3": {"type": "string"},
    "sender_city": {"type": "string"},
    "sender_county": {"type": "string"},
    "sender_postcode": {"type": "string"},
    "sender_phone": {"type": "string"},
    "references": {"type": "array", "items": {"type": "string"}}
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal letter schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("letter.json", doc); err != nil {
			schemaErr = fmt.Errorf("add letter schema resource: %w", err)
			return
		}
		schema, schemaErr = c.Compile("letter.json")
	})
	return schema, schemaErr
}

// Parse validates raw against the letter schema and decodes it. Every string
// field of the result has typography normalization applied. Parsing is strict:
// invalid JSON or a schema violation is an error, never a partial document.
func Parse(raw []byte) (Document, error) {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Document{}, fmt.Errorf("letter output is not valid JSON: %w", err)
	}
	sch, err := compiled()
	if err != nil {
		return Document{}, err
	}
	if err := sch.Validate(payload); err != nil {
		return Document{}, fmt.Errorf("letter output violates schema: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("decode letter output: %w", err)
	}
	doc.normalize()
	return doc, nil
}

// normalize applies typography normalization to every string field.
func (d *Document) normalize() {
	for _, f := range []*string{
		&d.MPName, &d.MPAddress1, &d.MPAddress2, &d.MPCity, &d.MPCounty,
		&d.MPPostcode, &d.Date, &d.SubjectHTML, &d.Content,
		&d.SenderName, &d.SenderAddress1, &d.SenderAddress2, &d.SenderAddress3,
		&d.SenderCity, &d.SenderCounty, &d.SenderPostcode, &d.SenderPhone,
	} {
		*f = NormalizeText(*f)
	}
	for i, r := range d.References {
		d.References[i] = NormalizeText(r)
	}
}
