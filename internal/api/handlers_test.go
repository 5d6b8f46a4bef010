package api

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/triage-agent/internal/models"
	"github.com/miradorstack/triage-agent/internal/utils"
	"github.com/miradorstack/triage-agent/internal/workflow"
)

func TestFromStructDecodesEvents(t *testing.T) {
	in, err := structpb.NewStruct(map[string]any{
		"events": []any{
			map[string]any{"timestamp": "2024-01-15T10:30:00Z", "message": "connection failed", "level": "ERROR", "service": "user-service", "trace_id": "t-1"},
		},
	})
	require.NoError(t, err)

	var req models.TriageRequest
	require.NoError(t, FromStruct(in, &req))
	require.Len(t, req.Events, 1)
	assert.Equal(t, "user-service", req.Events[0].Service)
	assert.Equal(t, "t-1", req.Events[0].TraceID)

	assert.Error(t, FromStruct(nil, &req))
}

func TestToStructRoundTripsPlan(t *testing.T) {
	out, err := ToStruct(models.ResolutionPlan{
		IncidentID: "inc-1",
		Steps:      []models.ResolutionStep{{Number: 1, Procedure: "Restart", Command: "kubectl rollout restart"}},
		Confidence: 70,
	})
	require.NoError(t, err)
	assert.Equal(t, "inc-1", out.Fields["incident_id"].GetStringValue())
	assert.Equal(t, float64(70), out.Fields["confidence"].GetNumberValue())
	steps := out.Fields["steps"].GetListValue().GetValues()
	require.Len(t, steps, 1)
	assert.Equal(t, "Restart", steps[0].GetStructValue().Fields["procedure"].GetStringValue())

	_, err = ToStruct([]int{1})
	assert.Error(t, err)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		http int
		grpc codes.Code
	}{
		{utils.NewValidationError("op", "empty"), http.StatusBadRequest, codes.InvalidArgument},
		{utils.NewAnalysisError("op", "ai down", errors.New("x")), http.StatusBadGateway, codes.Internal},
		{utils.NewLedgerError("op", "aprs down", errors.New("x")), http.StatusServiceUnavailable, codes.Unavailable},
		{workflow.ErrNotFound, http.StatusNotFound, codes.NotFound},
		{status.Error(codes.FailedPrecondition, "not configured"), http.StatusServiceUnavailable, codes.FailedPrecondition},
		{errors.New("boom"), http.StatusInternalServerError, codes.Internal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.http, HTTPStatus(tc.err), tc.err.Error())
		assert.Equal(t, tc.grpc, status.Code(GRPCError(tc.err)), tc.err.Error())
	}
	assert.Equal(t, http.StatusOK, HTTPStatus(nil))
	assert.NoError(t, GRPCError(nil))
}
