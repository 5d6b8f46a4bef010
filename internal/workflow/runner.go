package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/triage-agent/internal/analysis"
	"github.com/miradorstack/triage-agent/internal/cache"
	"github.com/miradorstack/triage-agent/internal/knowledge"
	"github.com/miradorstack/triage-agent/internal/metrics"
	"github.com/miradorstack/triage-agent/internal/models"
	"github.com/miradorstack/triage-agent/internal/patterns"
	"github.com/miradorstack/triage-agent/internal/scheduler"
	"github.com/miradorstack/triage-agent/internal/utils"
)

// TaskKind routes deferred RCA tasks to Runner.Handle.
const TaskKind = "rca"

// ErrAlreadyRunning means another run holds the incident's lock.
var ErrAlreadyRunning = errors.New("workflow already running for incident")

// Analyzer is the AI side of the workflow.
type Analyzer interface {
	AnalyzeRootCause(ctx context.Context, in analysis.RCAInput) (models.RCA, error)
	PlanResolution(ctx context.Context, rca models.RCA, batch models.LogBatch) (models.ResolutionPlan, error)
}

// Ledger is the incident-store side of the workflow.
type Ledger interface {
	AppendTimeline(ctx context.Context, entry models.TimelineEntry) error
	SetRCA(ctx context.Context, rca models.RCA) error
	SaveResolutionPlan(ctx context.Context, plan models.ResolutionPlan) error
}

// Request is the payload of a deferred RCA task. The batch travels with the
// request; nothing refers back to the triage call that produced it.
type Request struct {
	IncidentID string          `json:"incident_id"`
	Title      string          `json:"title"`
	Summary    string          `json:"summary"`
	Batch      models.LogBatch `json:"batch"`
	// NotBefore is the earliest time the workflow may leave Scheduled.
	NotBefore time.Time `json:"not_before"`
}

// Outcome is the terminal result of one run.
type Outcome struct {
	IncidentID string
	State      State
	// FailedIn is the state that failed when State is Failed.
	FailedIn State
	Err      error
	// RCAUnpersisted marks an RCA that was computed but could not be stored.
	RCAUnpersisted bool
	RCA            *models.RCA
	Plan           *models.ResolutionPlan
	Documents      int
	Warnings       []string
	// Skipped is set when the run did nothing because another run owns the
	// incident or the journal already holds a terminal state.
	Skipped bool
}

// Options configure a Runner.
type Options struct {
	Author         string
	KnowledgeLimit int
	LockTTL        time.Duration
	Clock          clockwork.Clock
	Logger         *slog.Logger
}

// Runner executes the deferred RCA workflow.
type Runner struct {
	analyzer Analyzer
	ledger   Ledger
	kb       knowledge.Searcher
	journal  Journal
	locks    cache.Provider
	miner    *patterns.Miner
	clock    clockwork.Clock
	logger   *slog.Logger
	author   string
	kbLimit  int
	lockTTL  time.Duration
}

// NewRunner wires the workflow collaborators. kb, journal and locks may be
// nil, in which case an empty knowledge base, an in-memory journal and an
// in-process lock table are used.
func NewRunner(analyzer Analyzer, ledger Ledger, kb knowledge.Searcher, journal Journal, locks cache.Provider, opts Options) (*Runner, error) {
	if analyzer == nil || ledger == nil {
		return nil, fmt.Errorf("workflow: analyzer and ledger are required")
	}
	if kb == nil {
		kb = knowledge.Empty{}
	}
	if journal == nil {
		journal = NewMemoryJournal()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if locks == nil {
		lru, err := cache.NewLRUProvider(4096, opts.Clock)
		if err != nil {
			return nil, err
		}
		locks = lru
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Author == "" {
		opts.Author = "triage_agent"
	}
	if opts.KnowledgeLimit <= 0 {
		opts.KnowledgeLimit = knowledge.DefaultLimit
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Minute
	}
	return &Runner{
		analyzer: analyzer,
		ledger:   ledger,
		kb:       kb,
		journal:  journal,
		locks:    locks,
		miner:    patterns.NewMiner(opts.Logger, 5),
		clock:    opts.Clock,
		logger:   opts.Logger,
		author:   opts.Author,
		kbLimit:  opts.KnowledgeLimit,
		lockTTL:  opts.LockTTL,
	}, nil
}

// Journal exposes the journal for operator queries.
func (r *Runner) Journal() Journal { return r.journal }

// Handle adapts Run to scheduler tasks.
func (r *Runner) Handle(ctx context.Context, task scheduler.Task) error {
	var req Request
	if err := json.Unmarshal(task.Payload, &req); err != nil {
		return fmt.Errorf("decode rca task %s: %w", task.ID, err)
	}
	if req.IncidentID == "" {
		req.IncidentID = task.IncidentID
	}
	if req.NotBefore.IsZero() {
		req.NotBefore = task.RunAt
	}
	out := r.Run(ctx, req)
	return out.Err
}

// DroppedReason is the journaled error of an RCA task discarded at shutdown.
const DroppedReason = "dropped at shutdown before the RCA started"

// RecordDropped journals a task that will never run as Scheduled -> Failed so
// the incident stays visible to operators. It is the scheduler's OnDropped hook.
func (r *Runner) RecordDropped(ctx context.Context, task scheduler.Task) {
	ctx = context.WithoutCancel(ctx)
	id := task.IncidentID
	var req Request
	if err := json.Unmarshal(task.Payload, &req); err == nil && req.IncidentID != "" {
		id = req.IncidentID
	}
	if id == "" {
		r.logger.Error("dropped task carries no incident id", "task_id", task.ID)
		return
	}
	if rec, err := r.journal.Get(ctx, id); err == nil && rec.State.Terminal() {
		return
	}

	now := r.clock.Now()
	for _, t := range []Transition{
		{IncidentID: id, To: StateScheduled, At: now, Detail: "task " + task.ID},
		{IncidentID: id, From: StateScheduled, To: StateFailed, At: now, Detail: DroppedReason},
	} {
		if err := r.journal.Record(ctx, t); err != nil {
			r.logger.Warn("journal transition failed", "incident_id", id, "state", t.To, "error", err)
		}
		metrics.ObserveTransition(string(t.To))
	}
	if err := r.journal.Finish(ctx, id, DroppedReason, false); err != nil {
		r.logger.Warn("journal finish failed", "incident_id", id, "error", err)
	}
	metrics.ObserveWorkflowOutcome("dropped")
	r.logger.Error("rca dropped at shutdown", "incident_id", id, "task_id", task.ID, "run_at", task.RunAt)
}

// run carries the mutable state of one execution.
type run struct {
	r     *Runner
	req   Request
	state State
	span  trace.Span
	out   Outcome
}

// Run drives one incident from Scheduled to Completed or Failed. Steps run
// strictly in order; each transition is logged, counted and journaled.
func (r *Runner) Run(ctx context.Context, req Request) Outcome {
	logger := r.logger.With("incident_id", req.IncidentID)

	if rec, err := r.journal.Get(ctx, req.IncidentID); err == nil && rec.State.Terminal() {
		logger.Info("workflow already finished, skipping", "state", rec.State)
		return Outcome{IncidentID: req.IncidentID, State: rec.State, Skipped: true}
	}

	lockKey := "workflow:lock:" + req.IncidentID
	release, acquired, err := cache.Acquire(ctx, r.locks, lockKey, uuid.NewString(), r.lockTTL)
	switch {
	case err != nil:
		logger.Warn("workflow lock unavailable, continuing without it", "error", err)
	case !acquired:
		logger.Warn("workflow already running, skipping")
		return Outcome{IncidentID: req.IncidentID, Skipped: true, Err: ErrAlreadyRunning}
	}
	defer release()

	ctx, span := otel.Tracer("triage-agent/workflow").Start(ctx, "workflow.Run",
		trace.WithAttributes(attribute.String("incident.id", req.IncidentID)))
	defer span.End()

	w := &run{r: r, req: req, state: StateScheduled, span: span, out: Outcome{IncidentID: req.IncidentID}}
	w.enter(ctx, StateScheduled, "")

	if err := w.waitUntil(ctx, req.NotBefore); err != nil {
		return w.fail(ctx, StateScheduled, utils.NewAppError(utils.KindPartial, "workflow.Scheduled", "cancelled before delay elapsed", err))
	}

	// QueryingKB fails open.
	w.enter(ctx, StateQueryingKB, "")
	docs := w.queryKnowledge(ctx)

	w.enter(ctx, StateAnalyzingRCA, fmt.Sprintf("%d knowledge documents", len(docs)))
	rca, err := r.analyzer.AnalyzeRootCause(ctx, analysis.RCAInput{
		IncidentID: req.IncidentID,
		Title:      req.Title,
		Summary:    req.Summary,
		Batch:      req.Batch,
		Knowledge:  docs,
	})
	if err != nil {
		return w.fail(ctx, StateAnalyzingRCA, err)
	}
	rca.IncidentID = req.IncidentID
	w.out.RCA = &rca

	w.enter(ctx, StatePersistingRCA, rca.Title)
	if err := r.ledger.SetRCA(ctx, rca); err != nil {
		w.out.RCAUnpersisted = true
		logger.Error("rca computed but not persisted", "rca_title", rca.Title, "rca_summary", rca.Summary, "error", err)
		return w.fail(ctx, StatePersistingRCA, utils.NewAppError(utils.KindLedger, "workflow.PersistingRCA", "rca computed but not persisted", err))
	}
	w.note(ctx, models.StageRootCauseAnalysis, models.TimelineCompleted, fmt.Sprintf("RCA performed for %s: %s", req.Title, rca.Title))

	w.enter(ctx, StatePlanningResolution, "")
	w.note(ctx, models.StageResolutionPlan, models.TimelinePending, fmt.Sprintf("Resolution planning started for %s", req.Title))
	plan, err := r.analyzer.PlanResolution(ctx, rca, req.Batch)
	if err != nil {
		return w.fail(ctx, StatePlanningResolution, err)
	}
	plan.IncidentID = req.IncidentID
	if err := plan.Validate(); err != nil {
		return w.fail(ctx, StatePlanningResolution, utils.NewAnalysisError("workflow.PlanningResolution", "invalid resolution plan", err))
	}
	w.out.Plan = &plan

	w.enter(ctx, StatePersistingPlan, fmt.Sprintf("%d steps, confidence %d", len(plan.Steps), plan.Confidence))
	if err := r.ledger.SaveResolutionPlan(ctx, plan); err != nil {
		return w.fail(ctx, StatePersistingPlan, err)
	}
	w.note(ctx, models.StageResolutionPlan, models.TimelineCompleted,
		fmt.Sprintf("Resolution plan saved with %d steps (confidence %d)", len(plan.Steps), plan.Confidence))

	w.enter(ctx, StateCompleted, "")
	w.out.State = StateCompleted
	r.finish(ctx, w.out)
	metrics.ObserveWorkflowOutcome("completed")
	logger.Info("workflow completed", "steps", len(plan.Steps), "confidence", plan.Confidence)
	return w.out
}

func (w *run) enter(ctx context.Context, to State, detail string) {
	from := w.state
	if to != StateScheduled && !CanTransition(from, to) {
		w.r.logger.Error("illegal workflow transition", "incident_id", w.req.IncidentID, "from", from, "to", to)
	}
	w.state = to
	metrics.ObserveTransition(string(to))
	w.span.AddEvent("transition", trace.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
	w.r.logger.Info("workflow transition", "incident_id", w.req.IncidentID, "from", from, "state", to, "detail", detail)

	t := Transition{IncidentID: w.req.IncidentID, From: from, To: to, At: w.r.clock.Now(), Detail: detail}
	if to == StateScheduled {
		t.From = ""
	}
	if err := w.r.journal.Record(context.WithoutCancel(ctx), t); err != nil {
		w.r.logger.Warn("journal transition failed", "incident_id", w.req.IncidentID, "state", to, "error", err)
	}
}

func (w *run) fail(ctx context.Context, in State, err error) Outcome {
	w.out.FailedIn = in
	w.out.Err = err
	w.out.State = StateFailed
	w.span.RecordError(err)
	w.span.SetStatus(codes.Error, string(in))
	w.span.SetAttributes(attribute.String("workflow.failed_in", string(in)))

	w.enter(ctx, StateFailed, fmt.Sprintf("failed in %s", in))
	w.r.finish(ctx, w.out)
	if w.out.RCAUnpersisted {
		metrics.ObserveWorkflowOutcome("rca_unpersisted")
	} else {
		metrics.ObserveWorkflowOutcome("failed")
	}
	w.r.logger.Error("workflow failed", "incident_id", w.req.IncidentID, "failed_in", in, "kind", utils.KindOf(err), "error", err)
	return w.out
}

func (r *Runner) finish(ctx context.Context, out Outcome) {
	errText := ""
	if out.Err != nil {
		errText = out.Err.Error()
	}
	if err := r.journal.Finish(context.WithoutCancel(ctx), out.IncidentID, errText, out.RCAUnpersisted); err != nil {
		r.logger.Warn("journal finish failed", "incident_id", out.IncidentID, "error", err)
	}
}

func (w *run) waitUntil(ctx context.Context, notBefore time.Time) error {
	wait := notBefore.Sub(w.r.clock.Now())
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.r.clock.After(wait):
		return nil
	}
}

func (w *run) queryKnowledge(ctx context.Context) []models.Document {
	sigs := w.r.miner.Mine(w.req.Batch)
	query := knowledge.Query{
		Text:     w.req.Title + "\n" + patterns.QueryText(sigs),
		Services: w.req.Batch.Services(),
		Levels:   patterns.Levels(sigs),
		Limit:    w.r.kbLimit,
	}
	docs, err := w.r.kb.Search(ctx, query)
	if err != nil {
		perr := utils.NewPartialFailure("workflow.QueryingKB", "knowledge base unavailable, continuing without context", err)
		w.out.Warnings = append(w.out.Warnings, perr.Error())
		w.r.logger.Warn("knowledge query failed", "incident_id", w.req.IncidentID, "error", err)
		return nil
	}
	w.out.Documents = len(docs)
	return docs
}

// note appends a best-effort timeline entry.
func (w *run) note(ctx context.Context, stage models.TimelineStage, status models.TimelineStatus, text string) {
	err := w.r.ledger.AppendTimeline(ctx, models.TimelineEntry{
		IncidentID: w.req.IncidentID,
		Author:     w.r.author,
		Timestamp:  w.r.clock.Now(),
		Stage:      stage,
		Status:     status,
		Text:       text,
	})
	if err != nil {
		perr := utils.NewPartialFailure("workflow.timeline", fmt.Sprintf("%s/%s entry not recorded", stage, status), err)
		w.out.Warnings = append(w.out.Warnings, perr.Error())
		w.r.logger.Warn("timeline append failed", "incident_id", w.req.IncidentID, "stage", stage, "error", err)
	}
}
