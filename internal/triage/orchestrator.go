// Package triage is the synchronous critical path: it turns a batch of log
// events into a ledger incident and schedules the deferred RCA for it.
package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/miradorstack/triage-agent/internal/ledger"
	"github.com/miradorstack/triage-agent/internal/models"
	"github.com/miradorstack/triage-agent/internal/normalizer"
	"github.com/miradorstack/triage-agent/internal/patterns"
	"github.com/miradorstack/triage-agent/internal/scheduler"
	"github.com/miradorstack/triage-agent/internal/utils"
	"github.com/miradorstack/triage-agent/internal/workflow"
)

// Analyzer is the AI side of triage.
type Analyzer interface {
	Summarize(ctx context.Context, batch models.LogBatch) (models.TriageResult, error)
	PlanResolution(ctx context.Context, rca models.RCA, batch models.LogBatch) (models.ResolutionPlan, error)
}

// Ledger is the incident store.
type Ledger interface {
	CreateIncident(ctx context.Context, inc models.Incident) (string, error)
	AppendTimeline(ctx context.Context, entry models.TimelineEntry) error
	SaveResolutionPlan(ctx context.Context, plan models.ResolutionPlan) error
}

// Scheduler accepts deferred tasks.
type Scheduler interface {
	Schedule(ctx context.Context, task scheduler.Task, delay time.Duration) (scheduler.Task, error)
}

// Options carry the process-wide defaults stamped on every incident.
type Options struct {
	Author   string
	Assignee models.Assignee
	Status   string
	// RCADelay is how long after incident creation the deferred RCA may start.
	RCADelay time.Duration
	// CreateTimeout bounds incident creation, which ignores caller
	// cancellation. Zero leaves the bound to the ledger client.
	CreateTimeout time.Duration
	Clock         clockwork.Clock
	Logger        *slog.Logger
}

// DefaultOptions mirror the values the ledger has always been fed.
func DefaultOptions() Options {
	return Options{
		Author:   "triage_agent",
		Assignee: models.Assignee{Type: "aprs", Name: "John Doe"},
		Status:   "In Progress",
		RCADelay: 10 * time.Second,
	}
}

// Orchestrator implements Triage and GenerateResolutionPlan.
type Orchestrator struct {
	analyzer  Analyzer
	ledger    Ledger
	scheduler Scheduler
	miner     *patterns.Miner
	opts      Options
	logger    *slog.Logger
}

// New validates collaborators and fills defaults for empty options.
func New(analyzer Analyzer, ledger Ledger, sched Scheduler, opts Options) (*Orchestrator, error) {
	if analyzer == nil || ledger == nil || sched == nil {
		return nil, fmt.Errorf("triage: analyzer, ledger and scheduler are required")
	}
	def := DefaultOptions()
	if opts.Author == "" {
		opts.Author = def.Author
	}
	if opts.Assignee.Name == "" {
		opts.Assignee = def.Assignee
	}
	if opts.Status == "" {
		opts.Status = def.Status
	}
	if opts.RCADelay < 0 {
		return nil, fmt.Errorf("triage: negative rca delay %s", opts.RCADelay)
	}
	if opts.CreateTimeout < 0 {
		return nil, fmt.Errorf("triage: negative create timeout %s", opts.CreateTimeout)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		analyzer:  analyzer,
		ledger:    ledger,
		scheduler: sched,
		miner:     patterns.NewMiner(opts.Logger, 0),
		opts:      opts,
		logger:    opts.Logger,
	}, nil
}

// TriageRaw normalizes raw ingress events and triages them.
func (o *Orchestrator) TriageRaw(ctx context.Context, raw []models.RawLogEvent) (models.TriageResult, error) {
	batch, err := normalizer.Normalize(raw)
	if err != nil {
		return models.TriageResult{}, err
	}
	return o.Triage(ctx, batch)
}

// Triage summarizes the batch, creates exactly one incident for it, records
// the initial timeline and schedules the deferred RCA. It returns as soon as
// the RCA is queued. A returned error means no incident was created, unless
// it wraps ledger.ErrAmbiguous, in which case the ledger may hold one.
func (o *Orchestrator) Triage(ctx context.Context, batch models.LogBatch) (models.TriageResult, error) {
	if err := normalizer.Validate(batch); err != nil {
		return models.TriageResult{}, err
	}

	ctx, span := otel.Tracer("triage-agent/triage").Start(ctx, "triage.Triage")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.events", batch.Len()))

	result, err := o.analyzer.Summarize(ctx, batch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "summarize")
		o.logger.Error("triage summary failed, no incident created", "events", batch.Len(), "error", err)
		return models.TriageResult{}, err
	}

	// From here on the caller going away must not abandon work the ledger
	// may already have accepted.
	ctx = context.WithoutCancel(ctx)

	now := o.opts.Clock.Now()
	createCtx, cancelCreate := ctx, context.CancelFunc(func() {})
	if o.opts.CreateTimeout > 0 {
		createCtx, cancelCreate = context.WithTimeout(ctx, o.opts.CreateTimeout)
	}
	id, err := o.ledger.CreateIncident(createCtx, models.Incident{
		Title:            result.Title,
		Summary:          result.Summary,
		Assignee:         o.opts.Assignee,
		Author:           o.opts.Author,
		Status:           o.opts.Status,
		AffectedServices: o.affectedServices(batch),
		AffectedRequests: batch.TraceIDs(),
		CreatedAt:        now,
		Batch:            batch,
	})
	cancelCreate()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create incident")
		if errors.Is(err, ledger.ErrAmbiguous) {
			o.logger.Error("incident creation outcome unknown, reconcile manually",
				"title", result.Title, "services", strings.Join(batch.Services(), ","), "error", err)
		} else {
			o.logger.Error("incident creation failed", "title", result.Title, "error", err)
		}
		return models.TriageResult{}, err
	}
	result.IncidentID = id
	span.SetAttributes(attribute.String("incident.id", id))
	logger := o.logger.With("incident_id", id)

	detected := fmt.Sprintf("%s\n\n%s", result.Summary, batch.Snippet())
	if err := o.note(ctx, id, models.StageIncidentDetected, models.TimelineCompleted, detected); err != nil {
		result.Warnings = append(result.Warnings, err.Error())
		logger.Warn("initial timeline entry not recorded", "error", err)
	}
	requested := fmt.Sprintf("RCA requested for %s", result.Title)
	if err := o.note(ctx, id, models.StageRootCauseAnalysis, models.TimelineInProgress, requested); err != nil {
		result.Warnings = append(result.Warnings, err.Error())
		logger.Warn("rca request timeline entry not recorded", "error", err)
	}

	if err := o.scheduleRCA(ctx, id, result, batch, now); err != nil {
		result.Warnings = append(result.Warnings, err.Error())
		span.RecordError(err)
		logger.Error("rca not scheduled for created incident", "error", err)
	}

	logger.Info("triage completed", "title", result.Title, "events", batch.Len(), "warnings", len(result.Warnings))
	return result, nil
}

func (o *Orchestrator) scheduleRCA(ctx context.Context, id string, result models.TriageResult, batch models.LogBatch, createdAt time.Time) error {
	payload, err := json.Marshal(workflow.Request{
		IncidentID: id,
		Title:      result.Title,
		Summary:    result.Summary,
		Batch:      batch,
		NotBefore:  createdAt.Add(o.opts.RCADelay),
	})
	if err != nil {
		return utils.NewPartialFailure("triage.ScheduleRCA", "encode rca task", err)
	}
	task, err := o.scheduler.Schedule(ctx, scheduler.Task{
		Kind:       workflow.TaskKind,
		IncidentID: id,
		Payload:    payload,
	}, o.opts.RCADelay)
	if err != nil {
		return utils.NewPartialFailure("triage.ScheduleRCA", "rca not scheduled", err)
	}
	o.logger.Info("rca scheduled", "incident_id", id, "task_id", task.ID, "run_at", task.RunAt)
	return nil
}

// GenerateResolutionPlan plans and stores a resolution for an incident whose
// RCA the caller already holds, independently of the deferred workflow.
func (o *Orchestrator) GenerateResolutionPlan(ctx context.Context, incidentID, rcaTitle, rcaSummary string, batch models.LogBatch) (models.ResolutionPlan, error) {
	const op = "triage.GenerateResolutionPlan"
	if strings.TrimSpace(incidentID) == "" {
		return models.ResolutionPlan{}, utils.NewValidationError(op, "incident id is required")
	}
	if strings.TrimSpace(rcaTitle) == "" && strings.TrimSpace(rcaSummary) == "" {
		return models.ResolutionPlan{}, utils.NewValidationError(op, "rca title or summary is required")
	}
	if batch.Len() > 0 {
		if err := normalizer.Validate(batch); err != nil {
			return models.ResolutionPlan{}, err
		}
	}

	ctx, span := otel.Tracer("triage-agent/triage").Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.String("incident.id", incidentID))

	rca := models.RCA{IncidentID: incidentID, Title: rcaTitle, Summary: rcaSummary}
	plan, err := o.analyzer.PlanResolution(ctx, rca, batch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "plan")
		return models.ResolutionPlan{}, err
	}
	plan.IncidentID = incidentID
	if err := plan.Validate(); err != nil {
		return models.ResolutionPlan{}, utils.NewAnalysisError(op, "invalid resolution plan", err)
	}
	if err := o.ledger.SaveResolutionPlan(ctx, plan); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save plan")
		return models.ResolutionPlan{}, err
	}
	o.logger.Info("resolution plan generated", "incident_id", incidentID, "steps", len(plan.Steps), "confidence", plan.Confidence)
	return plan, nil
}

func (o *Orchestrator) note(ctx context.Context, id string, stage models.TimelineStage, status models.TimelineStatus, text string) error {
	err := o.ledger.AppendTimeline(ctx, models.TimelineEntry{
		IncidentID: id,
		Author:     o.opts.Author,
		Timestamp:  o.opts.Clock.Now(),
		Stage:      stage,
		Status:     status,
		Text:       text,
	})
	if err != nil {
		return utils.NewPartialFailure("triage.timeline", fmt.Sprintf("%s/%s entry not recorded", stage, status), err)
	}
	return nil
}

// affectedServices lists services behind the highest ranked signatures
// first, then the remaining services in batch order.
func (o *Orchestrator) affectedServices(batch models.LogBatch) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		if _, ok := seen[s]; ok || s == "" {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, sig := range o.miner.Mine(batch) {
		for _, s := range sig.Services {
			add(s)
		}
	}
	for _, s := range batch.Services() {
		add(s)
	}
	return out
}
