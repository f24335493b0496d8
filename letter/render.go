package letter

import (
	"html/template"
	"strings"

	"github.com/openletter/writingdesk/runtime/orchestrator/profile"
)

// Merge builds the render-ready document from model output and the user's
// profile. The profile is authoritative for every name, address and date
// field; only the letter content, subject line and references are kept from
// the model.
func Merge(src Document, prof profile.Profile) Document {
	return Document{
		MPName:     prof.MPName,
		MPAddress1: prof.MPAddress1,
		MPAddress2: prof.MPAddress2,
		MPCity:     prof.MPCity,
		MPCounty:   prof.MPCounty,
		MPPostcode: NormalizePostcode(prof.MPPostcode),
		Date:       prof.Today,

		SubjectHTML: src.SubjectHTML,
		Content:     src.Content,
		References:  append([]string(nil), src.References...),

		SenderName:     prof.SenderName,
		SenderAddress1: prof.SenderAddress1,
		SenderAddress2: prof.SenderAddress2,
		SenderAddress3: prof.SenderAddress3,
		SenderCity:     prof.SenderCity,
		SenderCounty:   prof.SenderCounty,
		SenderPostcode: NormalizePostcode(prof.SenderPostcode),
		SenderPhone:    prof.SenderPhone,
	}
}

var letterTmpl = template.Must(template.New("letter").Parse(`<div class="letter">
<div class="letter-sender">{{range .SenderLines}}<div>{{.}}</div>
{{end}}</div>
<div class="letter-recipient">{{range .MPLines}}<div>{{.}}</div>
{{end}}</div>
<div class="letter-date">{{.Date}}</div>
<div class="letter-subject">{{.Subject}}</div>
<div class="letter-body">{{range .Paragraphs}}<p>{{.}}</p>
{{end}}</div>
{{if .References}}<ol class="letter-references">{{range .References}}<li>{{.}}</li>
{{end}}</ol>{{end}}</div>`))

type letterView struct {
	SenderLines []string
	MPLines     []string
	Date        string
	Subject     template.HTML
	Paragraphs  []string
	References  []string
}

// Render produces the addressed-letter HTML for a merged document. The
// subject line is inserted as markup; everything else is escaped.
func Render(doc Document) (string, error) {
	view := letterView{
		SenderLines: addressLines(
			doc.SenderName, doc.SenderAddress1, doc.SenderAddress2, doc.SenderAddress3,
			doc.SenderCity, doc.SenderCounty, doc.SenderPostcode, doc.SenderPhone,
		),
		MPLines: addressLines(
			doc.MPName, doc.MPAddress1, doc.MPAddress2,
			doc.MPCity, doc.MPCounty, doc.MPPostcode,
		),
		Date:       doc.Date,
		Subject:    template.HTML(doc.SubjectHTML),
		Paragraphs: paragraphs(doc.Content),
		References: doc.References,
	}
	var b strings.Builder
	if err := letterTmpl.Execute(&b, view); err != nil {
		return "", err
	}
	return b.String(), nil
}

// RenderPreview renders a partial letter during streaming. The profile
// supplies the full addressing so the preview looks like the finished letter
// from the first delta.
func RenderPreview(p Preview, prof profile.Profile) (string, error) {
	doc := Merge(Document{SubjectHTML: p.SubjectHTML, Content: p.Content}, prof)
	return Render(doc)
}

func addressLines(fields ...string) []string {
	var out []string
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// paragraphs splits letter content on blank lines; single newlines inside a
// paragraph collapse to spaces.
func paragraphs(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	var out []string
	for _, block := range strings.Split(content, "\n\n") {
		block = strings.TrimSpace(strings.ReplaceAll(block, "\n", " "))
		if block != "" {
			out = append(out, block)
		}
	}
	return out
}
