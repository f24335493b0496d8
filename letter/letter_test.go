package letter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func validDocument() Document {
	return Document{
		MPName:      "Rt Hon Jane Smith MP",
		MPAddress1:  "House of Commons",
		MPAddress2:  "Westminster",
		MPCity:      "London",
		MPCounty:    "Greater London",
		MPPostcode:  "SW1A 0AA",
		Date:        "25 August 2026",
		SubjectHTML: "<b>Re: Bus services in our constituency</b>",
		Content:     "Dear Ms Smith,\n\nI am writing about local bus services.\n\nYours sincerely,",

		SenderName:     "Alex Doe",
		SenderAddress1: "1 High Street",
		SenderAddress2: "Flat 2",
		SenderAddress3: "",
		SenderCity:     "Leeds",
		SenderCounty:   "West Yorkshire",
		SenderPostcode: "LS1 1AA",
		SenderPhone:    "07700 900000",

		References: []string{"Department for Transport, 2025"},
	}
}

func mustMarshal(t *testing.T, doc Document) []byte {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	return raw
}

func TestParseValidDocument(t *testing.T) {
	doc, err := Parse(mustMarshal(t, validDocument()))
	require.NoError(t, err)
	require.Equal(t, "Rt Hon Jane Smith MP", doc.MPName)
	require.Equal(t, "<b>Re: Bus services in our constituency</b>", doc.SubjectHTML)
	require.Len(t, doc.References, 1)
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{"mp_name": "Jane`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "not valid JSON")
}

func TestParseRejectsMissingField(t *testing.T) {
	var m map[string]any
	require.NoError(t, json.Unmarshal(mustMarshal(t, validDocument()), &m))
	delete(m, "letter_content")
	raw, err := json.Marshal(m)
	require.NoError(t, err)

	_, err = Parse(raw)
	require.Error(t, err)
	require.Contains(t, err.Error(), "violates schema")
}

func TestParseRejectsWrongFieldType(t *testing.T) {
	var m map[string]any
	require.NoError(t, json.Unmarshal(mustMarshal(t, validDocument()), &m))
	m["references"] = "not an array"
	raw, err := json.Marshal(m)
	require.NoError(t, err)

	_, err = Parse(raw)
	require.Error(t, err)
	require.Contains(t, err.Error(), "violates schema")
}

func TestParseNormalizesTypography(t *testing.T) {
	doc := validDocument()
	doc.Content = "It’s a “fair” deal — truly…"
	doc.References = []string{"Report 2026"}

	parsed, err := Parse(mustMarshal(t, doc))
	require.NoError(t, err)
	require.Equal(t, `It's a "fair" deal - truly...`, parsed.Content)
	require.Equal(t, "Report 2026", parsed.References[0])
}
