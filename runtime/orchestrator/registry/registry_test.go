package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openletter/writingdesk/runtime/orchestrator"
	creditsinmem "github.com/openletter/writingdesk/runtime/orchestrator/credits/inmem"
	"github.com/openletter/writingdesk/runtime/orchestrator/executor"
	"github.com/openletter/writingdesk/runtime/orchestrator/job"
	jobinmem "github.com/openletter/writingdesk/runtime/orchestrator/job/inmem"
	"github.com/openletter/writingdesk/runtime/orchestrator/payload"
	"github.com/openletter/writingdesk/runtime/orchestrator/profile"
	"github.com/openletter/writingdesk/runtime/orchestrator/provider"
	"github.com/openletter/writingdesk/runtime/orchestrator/runstate"
	stateinmem "github.com/openletter/writingdesk/runtime/orchestrator/runstate/inmem"
)

// scriptStream replays events, then blocks (finalErr nil) or errors.
type scriptStream struct {
	events   []provider.Event
	finalErr error
	mu       sync.Mutex
	i        int
	unblock  chan struct{}
	once     sync.Once
}

func newScriptStream(finalErr error, events ...provider.Event) *scriptStream {
	return &scriptStream{events: events, finalErr: finalErr, unblock: make(chan struct{})}
}

func (s *scriptStream) Recv() (provider.Event, error) {
	s.mu.Lock()
	if s.i < len(s.events) {
		ev := s.events[s.i]
		s.i++
		s.mu.Unlock()
		return ev, nil
	}
	err := s.finalErr
	s.mu.Unlock()
	if err != nil {
		return provider.Event{}, err
	}
	<-s.unblock
	return provider.Event{}, errors.New("stream aborted")
}

func (s *scriptStream) Close() error {
	s.once.Do(func() { close(s.unblock) })
	return nil
}

type fakeModel struct {
	mu            sync.Mutex
	createStreams []provider.Stream
	resumeStreams []provider.Stream
	creates       int
	resumes       int
}

func (m *fakeModel) CreateStream(context.Context, provider.Request) (provider.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if len(m.createStreams) == 0 {
		return nil, errors.New("no scripted create stream")
	}
	s := m.createStreams[0]
	m.createStreams = m.createStreams[1:]
	return s, nil
}

func (m *fakeModel) ResumeStream(context.Context, string, provider.Cursor) (provider.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumes++
	if len(m.resumeStreams) == 0 {
		return nil, errors.New("no scripted resume stream")
	}
	s := m.resumeStreams[0]
	m.resumeStreams = m.resumeStreams[1:]
	return s, nil
}

func (m *fakeModel) Retrieve(context.Context, string) (provider.Response, error) {
	return provider.Response{}, errors.New("retrieve not scripted")
}

func (m *fakeModel) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates, m.resumes
}

func completingResearch(id, text string) *scriptStream {
	return newScriptStream(nil,
		provider.Event{Type: provider.EventResponseCreated, ResponseID: id},
		provider.Event{Type: provider.EventResponseInProgress},
		provider.Event{Type: provider.EventOutputTextDelta, Delta: text},
		provider.Event{Type: provider.EventResponseCompleted, ResponseID: id},
	)
}

// liveResearch blocks after its scripted events until the run is torn down.
func liveResearch(id string) *scriptStream {
	return newScriptStream(nil,
		provider.Event{Type: provider.EventResponseCreated, ResponseID: id},
		provider.Event{Type: provider.EventResponseInProgress},
	)
}

type fixture struct {
	reg     *Registry
	states  *stateinmem.Store
	jobs    *jobinmem.Store
	credits *creditsinmem.Ledger
	model   *fakeModel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		states:  stateinmem.New(),
		jobs:    jobinmem.New(),
		credits: creditsinmem.New(),
		model:   &fakeModel{},
	}
	f.credits.Set("u1", 5.0)
	f.jobs.Seed("u1", job.Snapshot{
		JobID:            "j1",
		IssueDescription: "Bus services keep getting cut.",
		ResearchStatus:   job.StatusCompleted,
		ResearchContent:  "Evidence dossier.",
	})
	f.reg = New(executor.Deps{
		States:   f.states,
		Jobs:     f.jobs,
		Credits:  f.credits,
		Profiles: profile.Static{"u1": profile.Profile{SenderName: "Alex Doe", MPName: "Jane Smith MP", Today: "25 August 2026"}},
		Model:    f.model,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.reg.Shutdown(ctx)
	})
	return f
}

func waitDone(t *testing.T, ex *executor.Executor) {
	t.Helper()
	select {
	case <-ex.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}
}

func TestBeginStartsAndAttaches(t *testing.T) {
	f := newFixture(t)
	f.model.createStreams = []provider.Stream{liveResearch("resp_1")}
	ctx := context.Background()

	first, err := f.reg.Begin(ctx, "u1", orchestrator.KindResearch, BeginOptions{})
	require.NoError(t, err)
	require.Equal(t, "u1::j1", first.RunKey())

	// A second Begin while the run is live attaches; no new provider call.
	second, err := f.reg.Begin(ctx, "u1", orchestrator.KindResearch, BeginOptions{})
	require.NoError(t, err)
	require.Same(t, first, second)
	creates, _ := f.model.counts()
	require.Equal(t, 1, creates)
}

func TestBeginRaceAttachesToWinner(t *testing.T) {
	f := newFixture(t)
	f.model.createStreams = []provider.Stream{liveResearch("resp_1")}
	ctx := context.Background()

	winner, err := f.reg.Begin(ctx, "u1", orchestrator.KindResearch, BeginOptions{})
	require.NoError(t, err)

	// A caller that got past the table check before the winner was installed
	// lands in launch with the store claim already taken; it attaches instead
	// of erroring.
	loser, err := f.reg.launch(ctx, executor.Options{
		Kind: orchestrator.KindResearch, UserID: "u1", JobID: "j1",
		InstanceID: f.reg.InstanceID(),
	})
	require.NoError(t, err)
	require.Same(t, winner, loser)
	creates, _ := f.model.counts()
	require.Equal(t, 1, creates)
}

func TestBeginRejectsEmptyUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Begin(context.Background(), "", orchestrator.KindResearch, BeginOptions{})
	require.ErrorIs(t, err, orchestrator.ErrUnauthorized)
}

func TestBeginResolvesActiveJob(t *testing.T) {
	f := newFixture(t)
	f.model.createStreams = []provider.Stream{liveResearch("resp_1")}

	ex, err := f.reg.Begin(context.Background(), "u1", orchestrator.KindResearch, BeginOptions{})
	require.NoError(t, err)
	require.Equal(t, orchestrator.RunKey("u1", "j1"), ex.RunKey())
}

func TestBeginRestartOfLiveRunFails(t *testing.T) {
	f := newFixture(t)
	f.model.createStreams = []provider.Stream{liveResearch("resp_1")}
	ctx := context.Background()

	_, err := f.reg.Begin(ctx, "u1", orchestrator.KindResearch, BeginOptions{})
	require.NoError(t, err)

	_, err = f.reg.Begin(ctx, "u1", orchestrator.KindResearch, BeginOptions{Restart: true})
	require.ErrorIs(t, err, orchestrator.ErrAlreadyRunning)
}

func TestBeginRestartReplacesTerminalRun(t *testing.T) {
	f := newFixture(t)
	f.model.createStreams = []provider.Stream{
		completingResearch("resp_1", "first result"),
		completingResearch("resp_2", "second result"),
	}
	ctx := context.Background()

	first, err := f.reg.Begin(ctx, "u1", orchestrator.KindResearch, BeginOptions{})
	require.NoError(t, err)
	waitDone(t, first)

	second, err := f.reg.Begin(ctx, "u1", orchestrator.KindResearch, BeginOptions{Restart: true})
	require.NoError(t, err)
	require.NotSame(t, first, second)
	waitDone(t, second)

	creates, _ := f.model.counts()
	require.Equal(t, 2, creates)
}

func TestLateSubscriberReplaysTerminalRun(t *testing.T) {
	f := newFixture(t)
	f.model.createStreams = []provider.Stream{completingResearch("resp_1", "dossier text")}
	ctx := context.Background()

	ex, err := f.reg.Begin(ctx, "u1", orchestrator.KindResearch, BeginOptions{})
	require.NoError(t, err)
	waitDone(t, ex)

	sub, err := f.reg.Subscribe(orchestrator.KindResearch, "u1::j1")
	require.NoError(t, err)
	got, err := sub.Drain(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	require.Equal(t, payload.TypeComplete, got[len(got)-1].Type())
}

func TestSubscribeUnknownRun(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Subscribe(orchestrator.KindResearch, "u1::j1")
	require.ErrorIs(t, err, orchestrator.ErrNoRunToResume)
}

func TestBeginResumeOnlyWithoutState(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Begin(context.Background(), "u1", orchestrator.KindResearch, BeginOptions{ResumeOnly: true})
	require.ErrorIs(t, err, orchestrator.ErrNoRunToResume)
}

func TestBeginSeedsResumeFromSurvivingEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	remaining := 4.3
	require.NoError(t, f.states.Register(ctx, runstate.State{
		Kind: orchestrator.KindResearch, UserID: "u1", JobID: "j1",
		InstanceID: "dead-instance", Status: runstate.StatusRunning,
		ResponseID: "resp_9",
		Meta:       runstate.Meta{Charged: true, RemainingCredits: &remaining},
	}))
	f.model.resumeStreams = []provider.Stream{newScriptStream(nil,
		provider.Event{Type: provider.EventResponseInProgress},
		provider.Event{Type: provider.EventOutputTextDelta, Delta: "recovered"},
		provider.Event{Type: provider.EventResponseCompleted, ResponseID: "resp_9"},
	)}

	ex, err := f.reg.Begin(ctx, "u1", orchestrator.KindResearch, BeginOptions{ResumeOnly: true})
	require.NoError(t, err)
	waitDone(t, ex)

	creates, resumes := f.model.counts()
	require.Zero(t, creates)
	require.Equal(t, 1, resumes)
	require.InEpsilon(t, 5.0, f.credits.Balance("u1"), 1e-9, "seeded run must not charge")
}

func TestBeginResumesShutdownLeftover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	remaining := 4.3
	require.NoError(t, f.states.Register(ctx, runstate.State{
		Kind: orchestrator.KindResearch, UserID: "u1", JobID: "j1",
		InstanceID: "drained-instance", Status: runstate.StatusRunning,
		ResponseID: "resp_9",
		Meta:       runstate.Meta{Charged: true, RemainingCredits: &remaining},
	}))
	// A graceful shutdown marks the entry cancelled but keeps the charge and
	// response id so a peer can finish the run.
	require.NoError(t, f.states.Update(ctx, orchestrator.KindResearch, "u1::j1",
		runstate.StatusPatch(runstate.StatusCancelled)))

	f.model.resumeStreams = []provider.Stream{newScriptStream(nil,
		provider.Event{Type: provider.EventResponseInProgress},
		provider.Event{Type: provider.EventOutputTextDelta, Delta: "finished elsewhere"},
		provider.Event{Type: provider.EventResponseCompleted, ResponseID: "resp_9"},
	)}

	ex, err := f.reg.Begin(ctx, "u1", orchestrator.KindResearch, BeginOptions{ResumeOnly: true})
	require.NoError(t, err)
	waitDone(t, ex)

	creates, resumes := f.model.counts()
	require.Zero(t, creates, "leftover must seed a resume, not a fresh response")
	require.Equal(t, 1, resumes)
	require.InEpsilon(t, 5.0, f.credits.Balance("u1"), 1e-9, "no second charge")

	snap, err := f.jobs.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "finished elsewhere", snap.ResearchContent)
}

func TestRecoverResumesShutdownLeftover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	remaining := 4.3
	require.NoError(t, f.states.Register(ctx, runstate.State{
		Kind: orchestrator.KindResearch, UserID: "u1", JobID: "j1",
		InstanceID: "drained-instance", Status: runstate.StatusRunning,
		ResponseID: "resp_9",
		Meta:       runstate.Meta{Charged: true, RemainingCredits: &remaining},
	}))
	require.NoError(t, f.states.Update(ctx, orchestrator.KindResearch, "u1::j1",
		runstate.StatusPatch(runstate.StatusCancelled)))

	f.model.resumeStreams = []provider.Stream{newScriptStream(nil,
		provider.Event{Type: provider.EventResponseInProgress},
		provider.Event{Type: provider.EventOutputTextDelta, Delta: "picked up on boot"},
		provider.Event{Type: provider.EventResponseCompleted, ResponseID: "resp_9"},
	)}

	require.NoError(t, f.reg.Recover(ctx))

	ex, ok := f.reg.Lookup(orchestrator.KindResearch, "u1::j1")
	require.True(t, ok, "leftover must be picked up even with a fresh heartbeat")
	waitDone(t, ex)

	_, resumes := f.model.counts()
	require.Equal(t, 1, resumes)
	require.InEpsilon(t, 5.0, f.credits.Balance("u1"), 1e-9)
	snap, err := f.jobs.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "picked up on boot", snap.ResearchContent)
}

func TestBeginSettlesOrphanWithoutResponseID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.states.Register(ctx, runstate.State{
		Kind: orchestrator.KindResearch, UserID: "u1", JobID: "j1",
		InstanceID: "dead-instance", Status: runstate.StatusRunning,
		Meta: runstate.Meta{Charged: true},
	}))

	_, err := f.reg.Begin(ctx, "u1", orchestrator.KindResearch, BeginOptions{ResumeOnly: true})
	require.ErrorIs(t, err, orchestrator.ErrNoRunToResume)

	// The orphan was settled on the way: refund, job error, entry removed.
	require.InEpsilon(t, 5.7, f.credits.Balance("u1"), 1e-9)
	snap, err := f.jobs.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, job.StatusError, snap.ResearchStatus)
	_, err = f.states.Get(ctx, orchestrator.KindResearch, "u1::j1")
	require.ErrorIs(t, err, runstate.ErrNotFound)
}

func TestCancelStoreOnlyEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.states.Register(ctx, runstate.State{
		Kind: orchestrator.KindLetter, UserID: "u1", JobID: "j1",
		InstanceID: "dead-instance", Status: runstate.StatusRunning,
		ResponseID: "resp_4",
		Meta:       runstate.Meta{Charged: true},
	}))

	require.NoError(t, f.reg.Cancel(ctx, orchestrator.KindLetter, "u1::j1"))
	require.InEpsilon(t, 5.2, f.credits.Balance("u1"), 1e-9)
	st, err := f.states.Get(ctx, orchestrator.KindLetter, "u1::j1")
	require.NoError(t, err)
	require.Equal(t, runstate.StatusCancelled, st.Status)
	require.False(t, st.Meta.Charged, "refunded cancel must not look resumable")
}

func TestRecoverResumesStaleRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now()
	f.states.SetClock(func() time.Time { return base })
	remaining := 4.3
	require.NoError(t, f.states.Register(ctx, runstate.State{
		Kind: orchestrator.KindResearch, UserID: "u1", JobID: "j1",
		InstanceID: "dead-instance", Status: runstate.StatusRunning,
		ResponseID: "resp_9",
		Meta:       runstate.Meta{Charged: true, RemainingCredits: &remaining},
	}))
	f.states.SetClock(func() time.Time { return base.Add(orchestrator.OrphanThreshold + time.Minute) })

	f.model.resumeStreams = []provider.Stream{newScriptStream(nil,
		provider.Event{Type: provider.EventResponseInProgress},
		provider.Event{Type: provider.EventOutputTextDelta, Delta: "recovered"},
		provider.Event{Type: provider.EventResponseCompleted, ResponseID: "resp_9"},
	)}

	require.NoError(t, f.reg.Recover(ctx))

	ex, ok := f.reg.Lookup(orchestrator.KindResearch, "u1::j1")
	require.True(t, ok, "recovered run must be in the table")
	waitDone(t, ex)

	snap, err := f.jobs.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "recovered", snap.ResearchContent)
	_, resumes := f.model.counts()
	require.Equal(t, 1, resumes)
}

func TestShutdownCancelsWithoutRefund(t *testing.T) {
	f := newFixture(t)
	f.model.createStreams = []provider.Stream{liveResearch("resp_1")}
	ctx := context.Background()

	ex, err := f.reg.Begin(ctx, "u1", orchestrator.KindResearch, BeginOptions{})
	require.NoError(t, err)

	// Let the run capture its response id before shutting down.
	sub := ex.Subscribe()
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for {
		p, ok, err := sub.Next(waitCtx)
		require.NoError(t, err)
		require.True(t, ok)
		if st, isStatus := p.(*payload.Status); isStatus && st.Data.State == "in_progress" {
			break
		}
	}

	shutCtx, cancel2 := context.WithTimeout(ctx, 5*time.Second)
	defer cancel2()
	f.reg.Shutdown(shutCtx)

	require.InEpsilon(t, 4.3, f.credits.Balance("u1"), 1e-9, "shutdown keeps the charge")
	st, err := f.states.Get(ctx, orchestrator.KindResearch, "u1::j1")
	require.NoError(t, err)
	require.Equal(t, runstate.StatusCancelled, st.Status)
	require.Equal(t, "resp_1", st.ResponseID)

	_, ok := f.reg.Lookup(orchestrator.KindResearch, "u1::j1")
	require.False(t, ok, "table drains on shutdown")
}
