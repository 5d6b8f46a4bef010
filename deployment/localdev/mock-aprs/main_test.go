package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/triage-agent/internal/ledger"
	"github.com/miradorstack/triage-agent/internal/models"
)

func TestLedgerClientRoundTrip(t *testing.T) {
	st := newStore()
	srv := httptest.NewServer(newRouter(st))
	t.Cleanup(srv.Close)

	client, err := ledger.NewClient(ledger.Options{BaseURL: srv.URL + "/api", Timeout: 2 * time.Second})
	require.NoError(t, err)

	ctx := context.Background()
	id, err := client.CreateIncident(ctx, models.Incident{
		Title:            "Payment gateway timeouts",
		AffectedServices: []string{"payments"},
		Assignee:         models.Assignee{Type: "aprs", Name: "John Doe"},
		Author:           "triage_agent",
		Status:           "In Progress",
		CreatedAt:        time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, client.AppendTimeline(ctx, models.TimelineEntry{
		IncidentID: id,
		Stage:      models.StageIncidentDetected,
		Status:     models.TimelineCompleted,
		Text:       "payments: t1 - ts - ERROR - timeout",
		Author:     "triage_agent",
	}))
	require.NoError(t, client.SetRCA(ctx, models.RCA{IncidentID: id, Title: "Pool exhausted", Summary: "db pool too small"}))
	require.NoError(t, client.SaveResolutionPlan(ctx, models.ResolutionPlan{
		IncidentID: id,
		Steps:      []models.ResolutionStep{{Number: 1, Procedure: "Raise pool size"}},
		Confidence: 80,
	}))

	inc, ok := st.get(id)
	require.True(t, ok)
	assert.Equal(t, []string{"payments"}, inc.AffectedServices)
	require.Len(t, inc.Timeline, 1)
	assert.Equal(t, "incident-detected", inc.Timeline[0].Stage)
	require.NotNil(t, inc.RootCause)
	assert.Equal(t, "Pool exhausted", inc.RootCause.Title)
	require.NotNil(t, inc.ResolutionPlan)
	assert.Equal(t, 80, inc.ResolutionPlan.Confidence)
}

func TestUnknownIncidentIsNotFound(t *testing.T) {
	srv := httptest.NewServer(newRouter(newStore()))
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/api/incidents/missing/root-cause", "application/json",
		strings.NewReader(`{"title":"x","analysis":"y"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/api/incidents/missing")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}
