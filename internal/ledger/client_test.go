package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/triage-agent/internal/models"
	"github.com/miradorstack/triage-agent/internal/retry"
	"github.com/miradorstack/triage-agent/internal/utils"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestLedger(t *testing.T, baseURL string, httpClient *http.Client) *Client {
	t.Helper()
	c, err := NewClient(Options{
		BaseURL:    baseURL,
		Timeout:    200 * time.Millisecond,
		Retry:      retry.Policy{MaxAttempts: 3},
		HTTPClient: httpClient,
	})
	require.NoError(t, err)
	return c
}

func sampleIncident() models.Incident {
	return models.Incident{
		Title:            "DB down",
		Summary:          "conn refused",
		Assignee:         models.Assignee{Type: "aprs", Name: "John Doe"},
		Author:           "triage_agent",
		Status:           "In Progress",
		AffectedServices: []string{"user-service"},
		AffectedRequests: []string{"trace-a", "trace-b"},
		CreatedAt:        time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
	}
}

func TestCreateIncidentSendsPayloadAndReturnsID(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/incidents", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"incidentId":"inc-42"}`))
	}))
	defer srv.Close()

	id, err := newTestLedger(t, srv.URL, nil).CreateIncident(context.Background(), sampleIncident())
	require.NoError(t, err)
	assert.Equal(t, "inc-42", id)
	assert.Equal(t, "DB down", got["title"])
	assert.Equal(t, "triage_agent", got["createdBy"])
	assert.Equal(t, "In Progress", got["status"])
	assert.Equal(t, []any{"user-service"}, got["affectedServices"])
	assert.Equal(t, map[string]any{"type": "aprs", "name": "John Doe"}, got["assignee"])
	assert.Equal(t, "2024-01-15T10:30:00Z", got["createdAt"])
}

func TestCreateIncidentNeverRetriesAfterServerResponse(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestLedger(t, srv.URL, nil).CreateIncident(context.Background(), sampleIncident())
	require.Error(t, err)
	assert.True(t, utils.IsKind(err, utils.KindLedger))
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestCreateIncidentNeverRetriesWhenOutcomeUnknown(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.ReadAll(r.Body)
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		_ = conn.Close()
	}))
	defer srv.Close()

	_, err := newTestLedger(t, srv.URL, nil).CreateIncident(context.Background(), sampleIncident())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAmbiguous)
	assert.Equal(t, int32(1), hits.Load())
}

func TestCreateIncidentTimeoutAfterWriteIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := newTestLedger(t, srv.URL, nil).CreateIncident(context.Background(), sampleIncident())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAmbiguous)
	assert.Equal(t, int32(1), hits.Load())
}

func TestCreateIncidentRetriesUndeliveredRequests(t *testing.T) {
	calls := 0
	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("dial tcp: connection refused")
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader(`{"incident_id":"inc-7"}`)),
			Header:     make(http.Header),
		}, nil
	})}

	id, err := newTestLedger(t, "http://aprs.invalid", client).CreateIncident(context.Background(), sampleIncident())
	require.NoError(t, err)
	assert.Equal(t, "inc-7", id)
	assert.Equal(t, 2, calls)
}

func TestCreateIncidentRequiresID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success"}`))
	}))
	defer srv.Close()

	_, err := newTestLedger(t, srv.URL, nil).CreateIncident(context.Background(), sampleIncident())
	assert.True(t, utils.IsKind(err, utils.KindLedger))
}

func TestAppendTimelinePostsAuditTrail(t *testing.T) {
	var path string
	var got timelinePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := newTestLedger(t, srv.URL, nil).AppendTimeline(context.Background(), models.TimelineEntry{
		IncidentID: "inc-1",
		Author:     "triage_agent",
		Timestamp:  time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		Stage:      models.StageRootCauseAnalysis,
		Status:     models.TimelineInProgress,
		Text:       "RCA requested for DB down",
	})
	require.NoError(t, err)
	assert.Equal(t, "/incidents/inc-1/timeline/root-cause-analysis/audit-trail", path)
	assert.Equal(t, timelinePayload{
		Status:     "in_progress",
		LogSnippet: "RCA requested for DB down",
		Timestamp:  "2024-01-15T10:30:00Z",
		Author:     "triage_agent",
	}, got)
}

func TestSaveResolutionPlanRetriesAfterTimeout(t *testing.T) {
	var hits atomic.Int32
	var got planPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			_, _ = io.Copy(io.Discard, r.Body)
			<-r.Context().Done()
			return
		}
		assert.Equal(t, "/incidents/inc-1/resolution-plan", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	plan := models.ResolutionPlan{
		IncidentID: "inc-1",
		Steps:      []models.ResolutionStep{{Number: 1, Procedure: "Restart", Command: "systemctl restart db"}},
		Confidence: 80,
	}
	require.NoError(t, newTestLedger(t, srv.URL, nil).SaveResolutionPlan(context.Background(), plan))
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, planPayload{Steps: []planStepPayload{{StepNumber: 1, Procedure: "Restart", Command: "systemctl restart db"}}, Confidence: 80}, got)
}

func TestSetRCARetriesServerErrorsButNotClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch hits.Add(1) {
		case 1:
			http.Error(w, "boom", http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	c := newTestLedger(t, srv.URL, nil)
	require.NoError(t, c.SetRCA(context.Background(), models.RCA{IncidentID: "inc-1", Title: "t", Summary: "s"}))
	assert.Equal(t, int32(2), hits.Load())

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "no such incident", http.StatusNotFound)
	}))
	defer bad.Close()

	hits.Store(0)
	err := newTestLedger(t, bad.URL, nil).SetRCA(context.Background(), models.RCA{IncidentID: "inc-404"})
	assert.True(t, utils.IsKind(err, utils.KindLedger))
	assert.Equal(t, int32(1), hits.Load())
}

func TestSaveResolutionPlanRefusesInvalidPlan(t *testing.T) {
	c := newTestLedger(t, "http://aprs.invalid", &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		t.Fatal("invalid plan must not reach the ledger")
		return nil, nil
	})})

	err := c.SaveResolutionPlan(context.Background(), models.ResolutionPlan{
		IncidentID: "inc-1",
		Steps:      []models.ResolutionStep{{Number: 2, Procedure: "x"}},
	})
	assert.True(t, utils.IsKind(err, utils.KindValidation))
	assert.ErrorIs(t, err, models.ErrInvalidPlan)
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Options{})
	assert.Error(t, err)
}
