package executor

import (
	"math/rand"

	"github.com/openletter/writingdesk/runtime/orchestrator"
)

// User-visible messages form a short, stable catalog. Internal error detail is
// logged with run key and response id, never surfaced verbatim to clients.
const (
	msgInsufficientCredits = "Insufficient credits"
	msgCancelled           = "The run was cancelled."

	msgResearchFailed  = "Deep research failed. Please try again in a few moments."
	msgResearchTimeout = "Deep research timed out. Please try again."
	msgLetterFailed    = "Letter composition failed. Please try again in a few moments."
	msgLetterTimeout   = "Letter composition timed out. Please try again."

	// MsgResearchRequired explains a letter start without completed research.
	MsgResearchRequired = "Run deep research before composing the letter."
)

// failureMessage returns the kind's canned terminal failure notice.
func failureMessage(kind orchestrator.Kind) string {
	if kind == orchestrator.KindResearch {
		return msgResearchFailed
	}
	return msgLetterFailed
}

// timeoutMessage returns the kind's canned timeout notice.
func timeoutMessage(kind orchestrator.Kind) string {
	if kind == orchestrator.KindResearch {
		return msgResearchTimeout
	}
	return msgLetterTimeout
}

// Quiet-period heartbeat notices. UX filler, not protocol.
var (
	researchQuietMessages = []string{
		"Still researching. Deep research can take several minutes.",
		"Gathering sources and cross-checking claims.",
		"Reading through the latest findings.",
		"Compiling the evidence for your letter.",
		"Weighing up what the sources actually say.",
		"Still working. Long reads take a little while.",
	}
	letterQuietMessages = []string{
		"Drafting your letter.",
		"Polishing the wording.",
		"Still composing. Nearly there.",
	}
)

// quietRotation picks quiet-period messages for one run. The research
// rotation never repeats either of the last two picks in succession.
type quietRotation struct {
	pool []string
	rng  *rand.Rand
	last [2]int
}

func newQuietRotation(kind orchestrator.Kind, rng *rand.Rand) *quietRotation {
	pool := letterQuietMessages
	if kind == orchestrator.KindResearch {
		pool = researchQuietMessages
	}
	return &quietRotation{pool: pool, rng: rng, last: [2]int{-1, -1}}
}

func (q *quietRotation) next() string {
	if len(q.pool) == 1 {
		return q.pool[0]
	}
	idx := q.rng.Intn(len(q.pool))
	for len(q.pool) > 2 && (idx == q.last[0] || idx == q.last[1]) {
		idx = q.rng.Intn(len(q.pool))
	}
	q.last[1] = q.last[0]
	q.last[0] = idx
	return q.pool[idx]
}
