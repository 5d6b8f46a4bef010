package services

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/triage-agent/internal/api"
	"github.com/miradorstack/triage-agent/internal/grpc/triagev1"
	"github.com/miradorstack/triage-agent/internal/models"
)

// GRPCService adapts TriageService to triagev1.TriageServiceServer.
type GRPCService struct {
	triagev1.UnimplementedTriageServiceServer

	svc *TriageService
}

// NewGRPCService wraps svc.
func NewGRPCService(svc *TriageService) *GRPCService {
	return &GRPCService{svc: svc}
}

// Triage expects {"events": [...]} and returns the triage result document.
// Failures carry "no incident created" in the status message, or
// "incident outcome unknown" when the create response was lost.
func (g *GRPCService) Triage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in models.TriageRequest
	if err := api.FromStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if len(in.Events) == 0 {
		return nil, status.Error(codes.InvalidArgument, "No log events provided")
	}
	result, err := g.svc.Triage(ctx, in.Events)
	if err != nil {
		st := status.Convert(api.GRPCError(err))
		prefix := "no incident created: "
		if api.IncidentOutcome(err) == api.OutcomeUnknown {
			prefix = "incident outcome unknown: "
		}
		return nil, status.Error(st.Code(), prefix+st.Message())
	}
	return respond(result)
}

// GenerateResolutionPlan plans and stores a resolution for a known RCA.
func (g *GRPCService) GenerateResolutionPlan(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in models.ResolutionPlanRequest
	if err := api.FromStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	plan, err := g.svc.ResolutionPlan(ctx, in)
	if err != nil {
		return nil, api.GRPCError(err)
	}
	return respond(plan)
}

// GetWorkflow returns one journaled workflow.
func (g *GRPCService) GetWorkflow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in models.WorkflowQuery
	if err := api.FromStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	rec, err := g.svc.Workflow(ctx, in.IncidentID)
	if err != nil {
		return nil, api.GRPCError(err)
	}
	return respond(rec)
}

// ListWorkflows returns {"workflows": [...]}, newest first.
func (g *GRPCService) ListWorkflows(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in models.WorkflowQuery
	if err := api.FromStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if in.Limit <= 0 {
		in.Limit = 50
	}
	recs, err := g.svc.Workflows(ctx, in.Limit)
	if err != nil {
		return nil, api.GRPCError(err)
	}
	return respond(map[string]any{"workflows": recs})
}

// ListTasks returns the scheduler snapshot.
func (g *GRPCService) ListTasks(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	snap, err := g.svc.Tasks(ctx)
	if err != nil {
		return nil, api.GRPCError(err)
	}
	return respond(snap)
}

// CancelTask removes a pending task; NotFound if it already started or never existed.
func (g *GRPCService) CancelTask(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in models.TaskQuery
	if err := api.FromStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	removed, err := g.svc.CancelTask(ctx, in.TaskID)
	if err != nil {
		return nil, api.GRPCError(err)
	}
	if !removed {
		return nil, status.Errorf(codes.NotFound, "task %s is not pending", in.TaskID)
	}
	return respond(map[string]any{"task_id": in.TaskID, "cancelled": true})
}

func respond(v any) (*structpb.Struct, error) {
	out, err := api.ToStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
