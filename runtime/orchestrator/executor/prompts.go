package executor

import (
	"fmt"
	"strings"

	"github.com/openletter/writingdesk/runtime/orchestrator"
	"github.com/openletter/writingdesk/runtime/orchestrator/job"
	"github.com/openletter/writingdesk/runtime/orchestrator/profile"
	"github.com/openletter/writingdesk/runtime/orchestrator/provider"
)

// Default provider models per run kind.
const (
	DefaultResearchModel = "o4-mini-deep-research"
	DefaultLetterModel   = "gpt-4.1"
)

const researchInstructions = `You are a policy researcher preparing an evidence dossier for a letter to a UK Member of Parliament. Research the constituent's issue thoroughly using current, citable sources. Produce a structured dossier: background, key facts with citations, relevant legislation and government positions, and points the MP can act on. Be factual and neutral; cite every claim.`

const letterInstructions = `You compose letters from constituents to their UK Member of Parliament. Using the supplied research dossier, write a persuasive, well-structured letter in the requested tone. Respond with a single JSON object matching the required letter schema exactly; no prose outside the JSON.`

// buildRequest composes the provider request for a fresh stream from the job
// snapshot and profile context.
func buildRequest(kind orchestrator.Kind, snap job.Snapshot, prof profile.Profile, tone string) provider.Request {
	req := provider.Request{
		Kind:       kind,
		Effort:     "medium",
		Background: true,
	}
	switch kind {
	case orchestrator.KindResearch:
		req.Model = DefaultResearchModel
		req.Instructions = researchInstructions
		req.Input = researchInput(snap, prof)
	default:
		req.Model = DefaultLetterModel
		req.Instructions = letterInstructions
		req.Input = letterInput(snap, prof, tone)
	}
	return req
}

func researchInput(snap job.Snapshot, prof profile.Profile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Issue raised by a constituent of %s:\n%s\n", orDefault(prof.Constituency, "their constituency"), snap.IssueDescription)
	for i, q := range snap.FollowUpQuestions {
		if i < len(snap.FollowUpAnswers) {
			fmt.Fprintf(&b, "\nQ: %s\nA: %s\n", q, snap.FollowUpAnswers[i])
		}
	}
	if snap.Notes != "" {
		fmt.Fprintf(&b, "\nAdditional notes:\n%s\n", snap.Notes)
	}
	return b.String()
}

func letterInput(snap job.Snapshot, prof profile.Profile, tone string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tone: %s\n", tone)
	fmt.Fprintf(&b, "Constituent: %s, constituency: %s, date: %s\n",
		prof.SenderName, orDefault(prof.Constituency, "unknown"), prof.Today)
	fmt.Fprintf(&b, "MP: %s\n\n", prof.MPName)
	fmt.Fprintf(&b, "Issue:\n%s\n\n", snap.IssueDescription)
	if snap.Notes != "" {
		fmt.Fprintf(&b, "Notes:\n%s\n\n", snap.Notes)
	}
	fmt.Fprintf(&b, "Research dossier:\n%s\n", snap.ResearchContent)
	return b.String()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
