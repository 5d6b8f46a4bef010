package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/triage-agent/internal/analysis"
	"github.com/miradorstack/triage-agent/internal/cache"
	"github.com/miradorstack/triage-agent/internal/knowledge"
	"github.com/miradorstack/triage-agent/internal/ledger"
	"github.com/miradorstack/triage-agent/internal/llm"
	"github.com/miradorstack/triage-agent/internal/models"
	"github.com/miradorstack/triage-agent/internal/retry"
	"github.com/miradorstack/triage-agent/internal/scheduler"
	"github.com/miradorstack/triage-agent/internal/utils"
)

type analyzerStub struct {
	mu        sync.Mutex
	rcaErr    error
	planErr   error
	plan      *models.ResolutionPlan
	rcaInputs []analysis.RCAInput
	planCalls int
	calledAt  []time.Time
	clock     clockwork.Clock
}

func (a *analyzerStub) AnalyzeRootCause(ctx context.Context, in analysis.RCAInput) (models.RCA, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rcaInputs = append(a.rcaInputs, in)
	if a.clock != nil {
		a.calledAt = append(a.calledAt, a.clock.Now())
	}
	if a.rcaErr != nil {
		return models.RCA{}, a.rcaErr
	}
	return models.RCA{IncidentID: in.IncidentID, Title: "Pool exhausted", Summary: "DB pool too small"}, nil
}

func (a *analyzerStub) PlanResolution(ctx context.Context, rca models.RCA, batch models.LogBatch) (models.ResolutionPlan, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.planCalls++
	if a.planErr != nil {
		return models.ResolutionPlan{}, a.planErr
	}
	if a.plan != nil {
		return *a.plan, nil
	}
	return models.ResolutionPlan{
		IncidentID: rca.IncidentID,
		Steps:      []models.ResolutionStep{{Number: 1, Procedure: "Raise pool size"}, {Number: 2, Procedure: "Restart", Command: "kubectl rollout restart deploy/user-service"}},
		Confidence: 75,
	}, nil
}

type ledgerStub struct {
	mu          sync.Mutex
	timeline    []models.TimelineEntry
	rcas        []models.RCA
	plans       []models.ResolutionPlan
	timelineErr error
	rcaErr      error
	planErr     error
}

func (l *ledgerStub) AppendTimeline(ctx context.Context, entry models.TimelineEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timelineErr != nil {
		return l.timelineErr
	}
	l.timeline = append(l.timeline, entry)
	return nil
}

func (l *ledgerStub) SetRCA(ctx context.Context, rca models.RCA) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rcaErr != nil {
		return l.rcaErr
	}
	l.rcas = append(l.rcas, rca)
	return nil
}

func (l *ledgerStub) SaveResolutionPlan(ctx context.Context, plan models.ResolutionPlan) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.planErr != nil {
		return l.planErr
	}
	l.plans = append(l.plans, plan)
	return nil
}

type kbFunc func(ctx context.Context, q knowledge.Query) ([]models.Document, error)

func (f kbFunc) Search(ctx context.Context, q knowledge.Query) ([]models.Document, error) {
	return f(ctx, q)
}

func sampleRequest() Request {
	base := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	return Request{
		IncidentID: "inc-1",
		Title:      "DB down",
		Summary:    "conn refused",
		Batch: models.LogBatch{Events: []models.LogEvent{
			{Timestamp: base, Message: "connection failed to 10.0.0.1", Level: models.LevelError, Service: "user-service", TraceID: "a"},
			{Timestamp: base.Add(time.Second), Message: "connection failed to 10.0.0.2", Level: models.LevelError, Service: "user-service", TraceID: "b"},
		}},
	}
}

func newRunner(t *testing.T, a Analyzer, l Ledger, kb knowledge.Searcher, opts Options) *Runner {
	t.Helper()
	r, err := NewRunner(a, l, kb, nil, nil, opts)
	require.NoError(t, err)
	return r
}

func states(rec Record) []State {
	out := make([]State, 0, len(rec.Transitions))
	for _, tr := range rec.Transitions {
		out = append(out, tr.To)
	}
	return out
}

func TestRunCompletesAndJournalsEveryTransition(t *testing.T) {
	a := &analyzerStub{}
	l := &ledgerStub{}
	var query knowledge.Query
	kb := kbFunc(func(ctx context.Context, q knowledge.Query) ([]models.Document, error) {
		query = q
		return []models.Document{{Title: "DB runbook"}}, nil
	})
	r := newRunner(t, a, l, kb, Options{})

	out := r.Run(context.Background(), sampleRequest())
	require.NoError(t, out.Err)
	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, 1, out.Documents)
	require.NotNil(t, out.Plan)
	assert.Equal(t, "inc-1", out.Plan.IncidentID)

	assert.Equal(t, []string{"user-service"}, query.Services)
	assert.Contains(t, query.Text, "connection failed to <*>")
	require.Len(t, a.rcaInputs, 1)
	assert.Equal(t, "DB runbook", a.rcaInputs[0].Knowledge[0].Title)

	require.Len(t, l.rcas, 1)
	require.Len(t, l.plans, 1)
	require.Len(t, l.timeline, 3)
	assert.Equal(t, models.StageRootCauseAnalysis, l.timeline[0].Stage)
	assert.Equal(t, models.TimelineCompleted, l.timeline[0].Status)
	assert.Equal(t, models.TimelinePending, l.timeline[1].Status)
	assert.Equal(t, models.StageResolutionPlan, l.timeline[2].Stage)
	assert.Equal(t, models.TimelineCompleted, l.timeline[2].Status)
	assert.Equal(t, "triage_agent", l.timeline[0].Author)

	rec, err := r.Journal().Get(context.Background(), "inc-1")
	require.NoError(t, err)
	assert.Equal(t, []State{
		StateScheduled, StateQueryingKB, StateAnalyzingRCA, StatePersistingRCA,
		StatePlanningResolution, StatePersistingPlan, StateCompleted,
	}, states(rec))
	assert.Empty(t, rec.Error)
}

func TestRunCompletesWithEmptyKnowledge(t *testing.T) {
	a := &analyzerStub{}
	l := &ledgerStub{}
	empty := kbFunc(func(context.Context, knowledge.Query) ([]models.Document, error) { return nil, nil })

	out := newRunner(t, a, l, empty, Options{}).Run(context.Background(), sampleRequest())
	assert.Equal(t, StateCompleted, out.State)
	assert.Empty(t, a.rcaInputs[0].Knowledge)
}

func TestRunFailsOpenOnKnowledgeError(t *testing.T) {
	a := &analyzerStub{}
	l := &ledgerStub{}
	broken := kbFunc(func(context.Context, knowledge.Query) ([]models.Document, error) {
		return nil, errors.New("weaviate down")
	})

	out := newRunner(t, a, l, broken, Options{}).Run(context.Background(), sampleRequest())
	assert.Equal(t, StateCompleted, out.State)
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "knowledge base unavailable")
}

func TestRunFailsWhenAnalysisFails(t *testing.T) {
	a := &analyzerStub{rcaErr: utils.NewAnalysisError("analysis.AnalyzeRootCause", "ai capability unavailable", errors.New("503"))}
	l := &ledgerStub{}
	r := newRunner(t, a, l, nil, Options{})

	out := r.Run(context.Background(), sampleRequest())
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, StateAnalyzingRCA, out.FailedIn)
	assert.True(t, utils.IsKind(out.Err, utils.KindAnalysis))
	assert.False(t, out.RCAUnpersisted)
	assert.Empty(t, l.rcas)
	assert.Zero(t, a.planCalls)

	rec, err := r.Journal().Get(context.Background(), "inc-1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, rec.State)
	assert.NotEmpty(t, rec.Error)
}

func TestRunSurfacesUnpersistedRCA(t *testing.T) {
	a := &analyzerStub{}
	l := &ledgerStub{rcaErr: errors.New("aprs down")}
	r := newRunner(t, a, l, nil, Options{})

	out := r.Run(context.Background(), sampleRequest())
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, StatePersistingRCA, out.FailedIn)
	assert.True(t, out.RCAUnpersisted)
	require.NotNil(t, out.RCA)
	assert.Equal(t, "Pool exhausted", out.RCA.Title)
	assert.True(t, utils.IsKind(out.Err, utils.KindLedger))
	assert.Zero(t, a.planCalls)

	rec, err := r.Journal().Get(context.Background(), "inc-1")
	require.NoError(t, err)
	assert.True(t, rec.RCAUnpersisted)
}

func TestRunFailsOnPlanningOrPlanPersistence(t *testing.T) {
	a := &analyzerStub{planErr: utils.NewAnalysisError("analysis.PlanResolution", "rejected", errors.New("gap"))}
	l := &ledgerStub{}
	out := newRunner(t, a, l, nil, Options{}).Run(context.Background(), sampleRequest())
	assert.Equal(t, StatePlanningResolution, out.FailedIn)
	assert.Empty(t, l.plans)

	a = &analyzerStub{plan: &models.ResolutionPlan{Steps: []models.ResolutionStep{{Number: 2, Procedure: "x"}}}}
	out = newRunner(t, a, &ledgerStub{}, nil, Options{}).Run(context.Background(), sampleRequest())
	assert.Equal(t, StatePlanningResolution, out.FailedIn)
	assert.ErrorIs(t, out.Err, models.ErrInvalidPlan)

	out = newRunner(t, &analyzerStub{}, &ledgerStub{planErr: errors.New("aprs down")}, nil, Options{}).Run(context.Background(), sampleRequest())
	assert.Equal(t, StatePersistingPlan, out.FailedIn)
	assert.False(t, out.RCAUnpersisted)
}

func TestRunToleratesTimelineFailures(t *testing.T) {
	l := &ledgerStub{timelineErr: errors.New("timeline down")}
	out := newRunner(t, &analyzerStub{}, l, nil, Options{}).Run(context.Background(), sampleRequest())
	assert.Equal(t, StateCompleted, out.State)
	assert.Len(t, out.Warnings, 3)
	assert.Len(t, l.plans, 1)
}

func TestRunWaitsForNotBefore(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a := &analyzerStub{clock: clock}
	r := newRunner(t, a, &ledgerStub{}, nil, Options{Clock: clock})

	req := sampleRequest()
	req.NotBefore = clock.Now().Add(10 * time.Second)

	done := make(chan Outcome, 1)
	go func() { done <- r.Run(context.Background(), req) }()

	clock.BlockUntil(1)
	a.mu.Lock()
	assert.Empty(t, a.rcaInputs, "analysis must not start before the delay")
	a.mu.Unlock()

	clock.Advance(10 * time.Second)
	select {
	case out := <-done:
		assert.Equal(t, StateCompleted, out.State)
		require.Len(t, a.calledAt, 1)
		assert.False(t, a.calledAt[0].Before(req.NotBefore))
	case <-time.After(2 * time.Second):
		t.Fatal("workflow did not finish after delay elapsed")
	}
}

func TestRunRefusesConcurrentAndRepeatedRuns(t *testing.T) {
	locks, err := cache.NewLRUProvider(16, nil)
	require.NoError(t, err)
	a := &analyzerStub{}
	r, err := NewRunner(a, &ledgerStub{}, nil, nil, locks, Options{})
	require.NoError(t, err)

	ok, err := locks.SetNX(context.Background(), "workflow:lock:inc-1", []byte("other"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	out := r.Run(context.Background(), sampleRequest())
	assert.True(t, out.Skipped)
	assert.ErrorIs(t, out.Err, ErrAlreadyRunning)
	assert.Empty(t, a.rcaInputs)

	require.NoError(t, locks.Del(context.Background(), "workflow:lock:inc-1"))
	out = r.Run(context.Background(), sampleRequest())
	assert.Equal(t, StateCompleted, out.State)

	out = r.Run(context.Background(), sampleRequest())
	assert.True(t, out.Skipped)
	assert.NoError(t, out.Err)
	assert.Len(t, a.rcaInputs, 1)
}

func TestHandleDecodesTaskPayload(t *testing.T) {
	a := &analyzerStub{}
	r := newRunner(t, a, &ledgerStub{}, nil, Options{})
	req := sampleRequest()
	payload, err := json.Marshal(req)
	require.NoError(t, err)

	require.NoError(t, r.Handle(context.Background(), scheduler.Task{ID: "t1", Kind: TaskKind, IncidentID: "inc-1", Payload: payload}))
	require.Len(t, a.rcaInputs, 1)
	assert.Equal(t, req.Batch.Events[1].Message, a.rcaInputs[0].Batch.Events[1].Message)

	assert.Error(t, r.Handle(context.Background(), scheduler.Task{ID: "t2", Payload: []byte("{")}))
}

// A plan save that times out once is retried by the ledger client and the
// workflow still completes.
func TestRunCompletesWhenPlanSaveTimesOutOnce(t *testing.T) {
	var planHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/incidents/inc-1/resolution-plan" && planHits.Add(1) == 1 {
			_, _ = io.Copy(io.Discard, r.Body)
			<-r.Context().Done()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	lc, err := ledger.NewClient(ledger.Options{BaseURL: srv.URL, Timeout: 200 * time.Millisecond, Retry: retry.Policy{MaxAttempts: 3}})
	require.NoError(t, err)

	fake := llm.NewFake(
		llm.Reply{Text: `{"title":"Pool exhausted","summary":"DB pool too small"}`},
		llm.Reply{Text: `{"steps":[{"step_number":1,"procedure":"Raise pool size"}],"confidence":60}`},
	)
	gw, err := analysis.NewGateway(fake, analysis.Options{Retry: retry.Policy{MaxAttempts: 2}})
	require.NoError(t, err)

	out := newRunner(t, gw, lc, nil, Options{}).Run(context.Background(), sampleRequest())
	require.NoError(t, out.Err)
	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, int32(2), planHits.Load())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateScheduled, StateQueryingKB))
	assert.True(t, CanTransition(StatePersistingRCA, StatePlanningResolution))
	assert.True(t, CanTransition(StateAnalyzingRCA, StateFailed))
	assert.False(t, CanTransition(StateQueryingKB, StateFailed))
	assert.False(t, CanTransition(StateScheduled, StateAnalyzingRCA))
	assert.False(t, CanTransition(StateCompleted, StateFailed))
	assert.False(t, CanTransition(StateFailed, StateQueryingKB))
}

func TestShutdownJournalsDroppedRCA(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 15, 10, 31, 0, 0, time.UTC))
	r := newRunner(t, &analyzerStub{}, &ledgerStub{}, nil, Options{Clock: clock})
	sched := scheduler.New(scheduler.NewMemoryQueue(), scheduler.Options{Clock: clock, OnDropped: r.RecordDropped})
	sched.Register(TaskKind, r.Handle)

	req := sampleRequest()
	req.IncidentID = "inc-9"
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = sched.Schedule(context.Background(), scheduler.Task{Kind: TaskKind, IncidentID: "inc-9", Payload: payload}, 10*time.Second)
	require.NoError(t, err)

	require.NoError(t, sched.Shutdown(context.Background()))

	rec, err := r.Journal().Get(context.Background(), "inc-9")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, rec.State)
	assert.Equal(t, DroppedReason, rec.Error)
	assert.Equal(t, []State{StateScheduled, StateFailed}, states(rec))
}

func TestRecordDroppedLeavesFinishedWorkflowAlone(t *testing.T) {
	r := newRunner(t, &analyzerStub{}, &ledgerStub{}, nil, Options{})
	out := r.Run(context.Background(), sampleRequest())
	require.Equal(t, StateCompleted, out.State)

	r.RecordDropped(context.Background(), scheduler.Task{ID: "t-1", Kind: TaskKind, IncidentID: "inc-1"})

	rec, err := r.Journal().Get(context.Background(), "inc-1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rec.State)
	assert.Empty(t, rec.Error)
}
