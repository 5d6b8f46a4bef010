package services

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/triage-agent/internal/metrics"
	"github.com/miradorstack/triage-agent/internal/models"
	"github.com/miradorstack/triage-agent/internal/normalizer"
	"github.com/miradorstack/triage-agent/internal/scheduler"
	"github.com/miradorstack/triage-agent/internal/utils"
	"github.com/miradorstack/triage-agent/internal/workflow"
)

// Orchestrator is the triage core.
type Orchestrator interface {
	TriageRaw(ctx context.Context, raw []models.RawLogEvent) (models.TriageResult, error)
	GenerateResolutionPlan(ctx context.Context, incidentID, rcaTitle, rcaSummary string, batch models.LogBatch) (models.ResolutionPlan, error)
}

// TaskBoard exposes scheduled work to operators.
type TaskBoard interface {
	Snapshot(ctx context.Context) (scheduler.Snapshot, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

// TriageService is the ingress facade shared by the HTTP API and the gRPC
// adapter.
type TriageService struct {
	logger  *slog.Logger
	orch    Orchestrator
	journal workflow.Journal
	tasks   TaskBoard
}

// NewTriageService constructs the service facade. journal and tasks may be
// nil, in which case the operator methods report FailedPrecondition.
func NewTriageService(logger *slog.Logger, orch Orchestrator, journal workflow.Journal, tasks TaskBoard) *TriageService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TriageService{logger: logger, orch: orch, journal: journal, tasks: tasks}
}

// Triage runs the synchronous triage path and records its latency and outcome.
func (s *TriageService) Triage(ctx context.Context, events []models.RawLogEvent) (models.TriageResult, error) {
	start := time.Now()
	result, err := s.orch.TriageRaw(ctx, events)
	metrics.ObserveTriage(time.Since(start), outcomeLabel(err))
	if err != nil {
		s.logger.Warn("triage failed", "events", len(events), "kind", utils.KindOf(err), "error", err)
		return models.TriageResult{}, err
	}
	return result, nil
}

// ResolutionPlan generates and stores an on-demand plan.
func (s *TriageService) ResolutionPlan(ctx context.Context, req models.ResolutionPlanRequest) (models.ResolutionPlan, error) {
	var batch models.LogBatch
	if len(req.Events) > 0 {
		b, err := normalizer.Normalize(req.Events)
		if err != nil {
			return models.ResolutionPlan{}, err
		}
		batch = b
	}
	return s.orch.GenerateResolutionPlan(ctx, req.IncidentID, req.RCATitle, req.RCASummary, batch)
}

// Workflow returns the journaled workflow of one incident.
func (s *TriageService) Workflow(ctx context.Context, incidentID string) (workflow.Record, error) {
	if s.journal == nil {
		return workflow.Record{}, status.Error(codes.FailedPrecondition, "workflow journal not configured")
	}
	if incidentID == "" {
		return workflow.Record{}, utils.NewValidationError("services.Workflow", "incident id is required")
	}
	return s.journal.Get(ctx, incidentID)
}

// Workflows lists the most recently updated workflows.
func (s *TriageService) Workflows(ctx context.Context, limit int) ([]workflow.Record, error) {
	if s.journal == nil {
		return nil, status.Error(codes.FailedPrecondition, "workflow journal not configured")
	}
	return s.journal.List(ctx, limit)
}

// Tasks lists queued and running deferred tasks.
func (s *TriageService) Tasks(ctx context.Context) (scheduler.Snapshot, error) {
	if s.tasks == nil {
		return scheduler.Snapshot{}, status.Error(codes.FailedPrecondition, "scheduler not configured")
	}
	return s.tasks.Snapshot(ctx)
}

// CancelTask removes a task that has not started.
func (s *TriageService) CancelTask(ctx context.Context, taskID string) (bool, error) {
	if s.tasks == nil {
		return false, status.Error(codes.FailedPrecondition, "scheduler not configured")
	}
	if taskID == "" {
		return false, utils.NewValidationError("services.CancelTask", "task id is required")
	}
	removed, err := s.tasks.Cancel(ctx, taskID)
	if err != nil {
		s.logger.Error("cancel task failed", "task_id", taskID, "error", err)
		return false, err
	}
	return removed, nil
}

func outcomeLabel(err error) string {
	if err == nil {
		return metrics.OutcomeSuccess
	}
	if kind := utils.KindOf(err); kind != "" {
		return string(kind)
	}
	return metrics.OutcomeError
}
