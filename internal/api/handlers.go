package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/triage-agent/internal/ledger"
	"github.com/miradorstack/triage-agent/internal/utils"
	"github.com/miradorstack/triage-agent/internal/workflow"
)

// FromStruct decodes a gRPC Struct message into a domain request using the
// same JSON field names as the HTTP API.
func FromStruct(in *structpb.Struct, out any) error {
	if in == nil {
		return fmt.Errorf("request is nil")
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode struct: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// ToStruct renders a domain value as a gRPC Struct. v must encode as a JSON object.
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("convert response: %w", err)
	}
	return out, nil
}

// ErrorBody is the JSON error document returned by the HTTP API.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	// IncidentCreated is false on triage failures that provably left no
	// incident behind and absent when the outcome is unknown.
	IncidentCreated *bool `json:"incident_created,omitempty"`
	// IncidentOutcome is set on triage failures; see IncidentOutcome.
	IncidentOutcome string `json:"incident_outcome,omitempty"`
}

// Incident outcomes reported with a failed triage.
const (
	OutcomeNotCreated = "not_created"
	OutcomeUnknown    = "unknown"
)

// IncidentOutcome classifies a triage failure. The create request may have
// reached the ledger when its response was lost, so that case is unknown
// and needs reconciling before a retry.
func IncidentOutcome(err error) string {
	if errors.Is(err, ledger.ErrAmbiguous) {
		return OutcomeUnknown
	}
	return OutcomeNotCreated
}

// HTTPStatus maps an error kind to a response status.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, workflow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrAmbiguous):
		return http.StatusGatewayTimeout
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.InvalidArgument:
			return http.StatusBadRequest
		case codes.NotFound:
			return http.StatusNotFound
		case codes.FailedPrecondition, codes.Unavailable:
			return http.StatusServiceUnavailable
		case codes.DeadlineExceeded:
			return http.StatusGatewayTimeout
		default:
			return http.StatusInternalServerError
		}
	}
	switch utils.KindOf(err) {
	case utils.KindValidation:
		return http.StatusBadRequest
	case utils.KindAnalysis:
		return http.StatusBadGateway
	case utils.KindLedger:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GRPCError converts err into a gRPC status error.
func GRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, workflow.ErrNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	if errors.Is(err, ledger.ErrAmbiguous) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	switch utils.KindOf(err) {
	case utils.KindValidation:
		return status.Error(codes.InvalidArgument, err.Error())
	case utils.KindAnalysis:
		return status.Error(codes.Internal, err.Error())
	case utils.KindLedger:
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
