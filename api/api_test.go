package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/clue/log"

	creditsinmem "github.com/openletter/writingdesk/runtime/orchestrator/credits/inmem"
	"github.com/openletter/writingdesk/runtime/orchestrator/executor"
	"github.com/openletter/writingdesk/runtime/orchestrator/job"
	jobinmem "github.com/openletter/writingdesk/runtime/orchestrator/job/inmem"
	"github.com/openletter/writingdesk/runtime/orchestrator/profile"
	"github.com/openletter/writingdesk/runtime/orchestrator/provider"
	"github.com/openletter/writingdesk/runtime/orchestrator/registry"
	stateinmem "github.com/openletter/writingdesk/runtime/orchestrator/runstate/inmem"
)

type scriptStream struct {
	events  []provider.Event
	mu      sync.Mutex
	i       int
	unblock chan struct{}
	once    sync.Once
}

func newScriptStream(events ...provider.Event) *scriptStream {
	return &scriptStream{events: events, unblock: make(chan struct{})}
}

func (s *scriptStream) Recv() (provider.Event, error) {
	s.mu.Lock()
	if s.i < len(s.events) {
		ev := s.events[s.i]
		s.i++
		s.mu.Unlock()
		return ev, nil
	}
	s.mu.Unlock()
	<-s.unblock
	return provider.Event{}, errors.New("stream aborted")
}

func (s *scriptStream) Close() error {
	s.once.Do(func() { close(s.unblock) })
	return nil
}

type fakeModel struct {
	mu      sync.Mutex
	streams []provider.Stream
}

func (m *fakeModel) CreateStream(context.Context, provider.Request) (provider.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil, errors.New("no scripted stream")
	}
	s := m.streams[0]
	m.streams = m.streams[1:]
	return s, nil
}

func (m *fakeModel) ResumeStream(context.Context, string, provider.Cursor) (provider.Stream, error) {
	return nil, errors.New("resume not scripted")
}

func (m *fakeModel) Retrieve(context.Context, string) (provider.Response, error) {
	return provider.Response{}, errors.New("retrieve not scripted")
}

func completedResearch(id, text string) *scriptStream {
	return newScriptStream(
		provider.Event{Type: provider.EventResponseCreated, ResponseID: id},
		provider.Event{Type: provider.EventResponseInProgress},
		provider.Event{Type: provider.EventOutputTextDelta, Delta: text},
		provider.Event{Type: provider.EventResponseCompleted, ResponseID: id},
	)
}

func newTestServer(t *testing.T, model *fakeModel, seed job.Snapshot) *httptest.Server {
	t.Helper()
	jobs := jobinmem.New()
	jobs.Seed("u1", seed)
	ledger := creditsinmem.New()
	ledger.Set("u1", 5.0)
	reg := registry.New(executor.Deps{
		States:   stateinmem.New(),
		Jobs:     jobs,
		Credits:  ledger,
		Profiles: profile.Static{"u1": profile.Profile{SenderName: "Alex Doe", MPName: "Jane Smith MP", Today: "25 August 2026"}},
		Model:    model,
	})
	svc, err := New(reg)
	require.NoError(t, err)
	srv := httptest.NewServer(svc.Handler(log.Context(context.Background())))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		reg.Shutdown(ctx)
	})
	return srv
}

func researchJob() job.Snapshot {
	return job.Snapshot{
		JobID:            "j1",
		IssueDescription: "Bus services keep getting cut.",
		ResearchStatus:   job.StatusCompleted,
		ResearchContent:  "Evidence dossier.",
	}
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, user string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func TestStartRequiresAuth(t *testing.T) {
	srv := newTestServer(t, &fakeModel{}, researchJob())
	resp := doJSON(t, srv, http.MethodPost, "/writing-desk/jobs/active/research/start", "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStartAndStreamResearch(t *testing.T) {
	model := &fakeModel{streams: []provider.Stream{completedResearch("resp_1", "dossier text")}}
	srv := newTestServer(t, model, researchJob())

	resp := doJSON(t, srv, http.MethodPost, "/writing-desk/jobs/active/research/start", "u1", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var started startResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	require.Equal(t, "j1", started.JobID)
	require.Equal(t, "/writing-desk/jobs/j1/research/stream", started.StreamPath)

	req, err := http.NewRequest(http.MethodGet, srv.URL+started.StreamPath, nil)
	require.NoError(t, err)
	req.Header.Set(UserHeader, "u1")
	stream, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	require.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	// Read frames until the terminal complete event.
	var events []string
	var completeData string
	scanner := bufio.NewScanner(stream.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, name)
			continue
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			if len(events) > 0 && events[len(events)-1] == "complete" {
				completeData = data
				break
			}
		}
	}
	require.Contains(t, events, "status")
	require.Contains(t, events, "delta")
	require.Equal(t, "complete", events[len(events)-1])
	require.Contains(t, completeData, "dossier text")
}

func TestStartLetterWithoutResearch(t *testing.T) {
	srv := newTestServer(t, &fakeModel{}, job.Snapshot{JobID: "j1", ResearchStatus: job.StatusIdle})
	resp := doJSON(t, srv, http.MethodPost, "/writing-desk/jobs/active/letter/start", "u1",
		startRequest{Tone: "formal"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, executor.MsgResearchRequired, body.Message)
}

func TestStartResumeOnlyWithoutRun(t *testing.T) {
	srv := newTestServer(t, &fakeModel{}, researchJob())
	resp := doJSON(t, srv, http.MethodPost, "/writing-desk/jobs/active/research/start", "u1",
		startRequest{Resume: true})
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRestartLiveRunConflicts(t *testing.T) {
	model := &fakeModel{streams: []provider.Stream{newScriptStream(
		provider.Event{Type: provider.EventResponseCreated, ResponseID: "resp_1"},
		provider.Event{Type: provider.EventResponseInProgress},
	)}}
	srv := newTestServer(t, model, researchJob())

	resp := doJSON(t, srv, http.MethodPost, "/writing-desk/jobs/active/research/start", "u1", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = doJSON(t, srv, http.MethodPost, "/writing-desk/jobs/active/research/start", "u1",
		startRequest{Restart: true})
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelRun(t *testing.T) {
	model := &fakeModel{streams: []provider.Stream{newScriptStream(
		provider.Event{Type: provider.EventResponseCreated, ResponseID: "resp_1"},
		provider.Event{Type: provider.EventResponseInProgress},
	)}}
	srv := newTestServer(t, model, researchJob())

	resp := doJSON(t, srv, http.MethodPost, "/writing-desk/jobs/active/research/start", "u1", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = doJSON(t, srv, http.MethodPost, "/writing-desk/jobs/j1/research/cancel", "u1", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestStreamUnknownRun(t *testing.T) {
	srv := newTestServer(t, &fakeModel{}, researchJob())
	resp := doJSON(t, srv, http.MethodGet, "/writing-desk/jobs/j1/research/stream", "u1", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
