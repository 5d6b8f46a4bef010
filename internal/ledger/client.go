// Package ledger is the client for the APRS incident ledger REST API.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/triage-agent/internal/metrics"
	"github.com/miradorstack/triage-agent/internal/models"
	"github.com/miradorstack/triage-agent/internal/retry"
	"github.com/miradorstack/triage-agent/internal/utils"
)

var (
	// ErrNoResponse means the request was never fully written, so the ledger
	// cannot have acted on it.
	ErrNoResponse = errors.New("ledger request not delivered")
	// ErrAmbiguous means the request was written but no response arrived;
	// the ledger may or may not have applied it.
	ErrAmbiguous = errors.New("ledger request outcome unknown")
)

// StatusError is a non-2xx response from the ledger.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("aprs %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, strings.TrimSpace(e.Body))
}

// Temporary reports whether the ledger signalled an overload or internal error.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Options configure a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration
	Retry   retry.Policy
	Clock   clockwork.Clock
	Logger  *slog.Logger
	// HTTPClient overrides the instrumented default client.
	HTTPClient *http.Client
}

// Client performs single remote writes against the ledger. CreateIncident is
// only retried when the request provably never left this process; the other
// writes target a known incident id and are retried on any transient failure.
type Client struct {
	baseURL       string
	timeout       time.Duration
	httpClient    *http.Client
	createRetrier *retry.Retrier
	writeRetrier  *retry.Retrier
	logger        *slog.Logger
}

// NewClient constructs a ledger client targeting opts.BaseURL.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("aprs base URL not configured")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	// Create attempts carry their own deadline inside send so a timeout is
	// classified by whether the request was written.
	createPolicy := opts.Retry
	createPolicy.AttemptTimeout = 0

	c := &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		timeout:       timeout,
		httpClient:    httpClient,
		createRetrier: retry.New(createPolicy, opts.Clock),
		writeRetrier:  retry.New(opts.Retry, opts.Clock),
		logger:        logger,
	}
	onRetry := func(attempt int, err error, wait time.Duration) {
		metrics.ObserveEgress(metrics.TargetLedger, metrics.OutcomeRetry)
		logger.Warn("ledger write failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	}
	c.createRetrier.OnRetry = onRetry
	c.writeRetrier.OnRetry = onRetry
	return c, nil
}

// createRetryable allows a retry only when the ledger cannot have seen the request.
func createRetryable(err error) bool {
	return errors.Is(err, ErrNoResponse)
}

// writeRetryable allows retries of content-idempotent updates.
func writeRetryable(err error) bool {
	if errors.Is(err, ErrNoResponse) || errors.Is(err, ErrAmbiguous) {
		return true
	}
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Temporary()
}

type incidentPayload struct {
	Title            string          `json:"title"`
	Summary          string          `json:"summary,omitempty"`
	AffectedServices []string        `json:"affectedServices"`
	AffectedRequests []string        `json:"affectedRequests"`
	Assignee         models.Assignee `json:"assignee"`
	CreatedBy        string          `json:"createdBy"`
	Status           string          `json:"status"`
	CreatedAt        string          `json:"createdAt"`
}

// CreateIncident opens an incident and returns the id the ledger assigned.
func (c *Client) CreateIncident(ctx context.Context, inc models.Incident) (string, error) {
	const op = "ledger.CreateIncident"
	payload := incidentPayload{
		Title:            inc.Title,
		Summary:          inc.Summary,
		AffectedServices: nonNil(inc.AffectedServices),
		AffectedRequests: nonNil(inc.AffectedRequests),
		Assignee:         inc.Assignee,
		CreatedBy:        inc.Author,
		Status:           inc.Status,
		CreatedAt:        utils.FormatLedgerTime(inc.CreatedAt),
	}

	ctx, span := otel.Tracer("triage-agent/ledger").Start(ctx, op)
	defer span.End()

	id, err := retry.DoValue(ctx, c.createRetrier, createRetryable, func(ctx context.Context) (string, error) {
		var resp struct {
			IncidentID  string `json:"incidentId"`
			IncidentID2 string `json:"incident_id"`
			ID          string `json:"id"`
		}
		if err := c.send(ctx, http.MethodPost, "/incidents", payload, &resp); err != nil {
			return "", err
		}
		id := firstNonEmpty(resp.IncidentID, resp.IncidentID2, resp.ID)
		if id == "" {
			return "", fmt.Errorf("aprs create incident response carries no incident id")
		}
		return id, nil
	})
	if err != nil {
		return "", c.fail(span, op, "create incident failed", err)
	}
	metrics.ObserveEgress(metrics.TargetLedger, metrics.OutcomeSuccess)
	span.SetAttributes(attribute.String("incident.id", id))
	c.logger.Info("incident created", "incident_id", id, "title", inc.Title)
	return id, nil
}

type timelinePayload struct {
	Status     string `json:"status"`
	LogSnippet string `json:"logSnippet"`
	Timestamp  string `json:"timestamp"`
	Author     string `json:"author"`
}

// AppendTimeline adds an audit-trail entry under the entry's stage.
func (c *Client) AppendTimeline(ctx context.Context, entry models.TimelineEntry) error {
	const op = "ledger.AppendTimeline"
	if entry.IncidentID == "" {
		return utils.NewValidationError(op, "incident id is required")
	}
	stage := entry.Stage
	if stage == "" {
		stage = models.StageIncidentDetected
	}
	path := fmt.Sprintf("/incidents/%s/timeline/%s/audit-trail", url.PathEscape(entry.IncidentID), url.PathEscape(string(stage)))
	payload := timelinePayload{
		Status:     string(entry.Status),
		LogSnippet: entry.Text,
		Timestamp:  utils.FormatLedgerTime(entry.Timestamp),
		Author:     entry.Author,
	}
	return c.write(ctx, op, entry.IncidentID, path, payload)
}

type rcaPayload struct {
	Title    string `json:"title"`
	Analysis string `json:"analysis"`
}

// SetRCA stores the root-cause analysis of an incident.
func (c *Client) SetRCA(ctx context.Context, rca models.RCA) error {
	const op = "ledger.SetRCA"
	if rca.IncidentID == "" {
		return utils.NewValidationError(op, "incident id is required")
	}
	path := fmt.Sprintf("/incidents/%s/root-cause", url.PathEscape(rca.IncidentID))
	return c.write(ctx, op, rca.IncidentID, path, rcaPayload{Title: rca.Title, Analysis: rca.Summary})
}

type planStepPayload struct {
	StepNumber int    `json:"stepNumber"`
	Procedure  string `json:"procedure"`
	Command    string `json:"command,omitempty"`
}

type planPayload struct {
	Steps      []planStepPayload `json:"steps"`
	Confidence int               `json:"confidence"`
}

// SaveResolutionPlan stores a validated plan. Invalid plans are refused locally.
func (c *Client) SaveResolutionPlan(ctx context.Context, plan models.ResolutionPlan) error {
	const op = "ledger.SaveResolutionPlan"
	if plan.IncidentID == "" {
		return utils.NewValidationError(op, "incident id is required")
	}
	if err := plan.Validate(); err != nil {
		return utils.NewAppError(utils.KindValidation, op, "refusing to persist invalid plan", err)
	}
	steps := make([]planStepPayload, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		steps = append(steps, planStepPayload{StepNumber: s.Number, Procedure: s.Procedure, Command: s.Command})
	}
	path := fmt.Sprintf("/incidents/%s/resolution-plan", url.PathEscape(plan.IncidentID))
	return c.write(ctx, op, plan.IncidentID, path, planPayload{Steps: steps, Confidence: plan.Confidence})
}

func (c *Client) write(ctx context.Context, op, incidentID, path string, payload any) error {
	ctx, span := otel.Tracer("triage-agent/ledger").Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.String("incident.id", incidentID))

	err := c.writeRetrier.Do(ctx, writeRetryable, func(ctx context.Context) error {
		return c.send(ctx, http.MethodPost, path, payload, nil)
	})
	if err != nil {
		return c.fail(span, op, "write failed for incident "+incidentID, err)
	}
	metrics.ObserveEgress(metrics.TargetLedger, metrics.OutcomeSuccess)
	return nil
}

func (c *Client) fail(span trace.Span, op, msg string, err error) error {
	metrics.ObserveEgress(metrics.TargetLedger, metrics.OutcomeError)
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	c.logger.Error("ledger write failed", "op", op, "error", err)
	return utils.NewLedgerError(op, msg, err)
}

// send performs one request. Transport failures are classified by whether
// the request body was completely written before the failure.
func (c *Client) send(ctx context.Context, method, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var wrote atomic.Bool
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				wrote.Store(true)
			}
		},
	})

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if wrote.Load() {
			return fmt.Errorf("%w: %s %s: %v", ErrAmbiguous, method, path, err)
		}
		return fmt.Errorf("%w: %s %s: %v", ErrNoResponse, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s %s: read body: %v", ErrAmbiguous, method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
