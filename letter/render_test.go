package letter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openletter/writingdesk/runtime/orchestrator/profile"
)

func testProfile() profile.Profile {
	return profile.Profile{
		SenderName:     "Alex Doe",
		SenderAddress1: "1 High Street",
		SenderCity:     "Leeds",
		SenderPostcode: "ls11aa",
		SenderPhone:    "07700 900000",
		MPName:         "Rt Hon Jane Smith MP",
		MPAddress1:     "House of Commons",
		MPCity:         "London",
		MPPostcode:     "sw1a0aa",
		Today:          "25 August 2026",
	}
}

func TestMergeProfileWins(t *testing.T) {
	src := Document{
		MPName:      "Forged MP",
		MPPostcode:  "XX1 1XX",
		Date:        "1 January 1990",
		SubjectHTML: "<b>Subject</b>",
		Content:     "Body",
		SenderName:  "Forged Sender",
		References:  []string{"Ref 1"},
	}
	merged := Merge(src, testProfile())

	require.Equal(t, "Rt Hon Jane Smith MP", merged.MPName)
	require.Equal(t, "Alex Doe", merged.SenderName)
	require.Equal(t, "25 August 2026", merged.Date)
	require.Equal(t, "SW1A 0AA", merged.MPPostcode)
	require.Equal(t, "LS1 1AA", merged.SenderPostcode)
	// Only content, subject and references survive from the model.
	require.Equal(t, "<b>Subject</b>", merged.SubjectHTML)
	require.Equal(t, "Body", merged.Content)
	require.Equal(t, []string{"Ref 1"}, merged.References)
}

func TestRenderEscapesBodyButNotSubject(t *testing.T) {
	doc := Merge(Document{
		SubjectHTML: "<b>Safe markup</b>",
		Content:     "One <script>alert(1)</script> paragraph.",
	}, testProfile())

	html, err := Render(doc)
	require.NoError(t, err)
	require.Contains(t, html, "<b>Safe markup</b>")
	require.NotContains(t, html, "<script>")
	require.Contains(t, html, "&lt;script&gt;")
}

func TestRenderParagraphSplitting(t *testing.T) {
	doc := Merge(Document{
		Content: "Dear Ms Smith,\n\nFirst paragraph\ncontinues here.\n\nSecond paragraph.",
	}, testProfile())

	html, err := Render(doc)
	require.NoError(t, err)
	require.Contains(t, html, "<p>Dear Ms Smith,</p>")
	require.Contains(t, html, "<p>First paragraph continues here.</p>")
	require.Contains(t, html, "<p>Second paragraph.</p>")
	require.Equal(t, 3, strings.Count(html, "<p>"))
}

func TestRenderOmitsEmptyAddressLinesAndReferences(t *testing.T) {
	prof := testProfile()
	prof.SenderAddress2 = ""
	html, err := Render(Merge(Document{Content: "Body"}, prof))
	require.NoError(t, err)
	require.NotContains(t, html, "<div></div>")
	require.NotContains(t, html, "letter-references")
}

func TestRenderIncludesReferences(t *testing.T) {
	html, err := Render(Merge(Document{
		Content:    "Body",
		References: []string{"Hansard, 12 May 2026", "DfT bus statistics"},
	}, testProfile()))
	require.NoError(t, err)
	require.Contains(t, html, `<ol class="letter-references">`)
	require.Contains(t, html, "<li>Hansard, 12 May 2026</li>")
}

func TestRenderIsDeterministic(t *testing.T) {
	doc := Merge(Document{SubjectHTML: "<b>S</b>", Content: "Body"}, testProfile())
	a, err := Render(doc)
	require.NoError(t, err)
	b, err := Render(doc)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestRenderPreviewMatchesFullRenderShape(t *testing.T) {
	html, err := RenderPreview(Preview{Content: "Partial para", SubjectHTML: "<b>S</b>"}, testProfile())
	require.NoError(t, err)
	require.Contains(t, html, `<div class="letter-sender">`)
	require.Contains(t, html, "<p>Partial para</p>")
	require.Contains(t, html, "Rt Hon Jane Smith MP")
}
