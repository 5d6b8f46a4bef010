// Package analysis is the AI Analysis Gateway. It builds deterministic prompts
// from structured input, calls the AI capability and treats every reply as
// untrusted input until it passes schema and invariant checks.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/miradorstack/triage-agent/internal/llm"
	"github.com/miradorstack/triage-agent/internal/metrics"
	"github.com/miradorstack/triage-agent/internal/models"
	"github.com/miradorstack/triage-agent/internal/retry"
	"github.com/miradorstack/triage-agent/internal/utils"
)

// ErrMalformedReply marks a reply rejected by schema or invariant checks
// after the corrective re-prompt.
var ErrMalformedReply = errors.New("malformed AI reply")

// Options tune a Gateway.
type Options struct {
	Retry retry.Policy
	Clock clockwork.Clock
	// RequestsPerSecond caps calls to the provider; zero disables the limit.
	RequestsPerSecond float64
	Burst             int
	Logger            *slog.Logger
}

// Gateway implements Summarize, AnalyzeRootCause and PlanResolution.
type Gateway struct {
	provider llm.Provider
	retrier  *retry.Retrier
	limiter  *rate.Limiter
	schemas  *schemaSet
	logger   *slog.Logger
}

// NewGateway wires a provider behind retry, rate limiting and reply validation.
func NewGateway(provider llm.Provider, opts Options) (*Gateway, error) {
	if provider == nil {
		return nil, fmt.Errorf("analysis: provider is required")
	}
	schemas, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	retrier := retry.New(opts.Retry, opts.Clock)
	retrier.OnRetry = func(attempt int, err error, wait time.Duration) {
		metrics.ObserveEgress(metrics.TargetAI, metrics.OutcomeRetry)
		logger.Warn("ai call failed, retrying", "provider", provider.Name(), "attempt", attempt, "wait", wait, "error", err)
	}

	return &Gateway{
		provider: provider,
		retrier:  retrier,
		limiter:  rate.NewLimiter(limit, burst),
		schemas:  schemas,
		logger:   logger,
	}, nil
}

// Summarize classifies a batch into a triage title and summary.
func (g *Gateway) Summarize(ctx context.Context, batch models.LogBatch) (models.TriageResult, error) {
	const op = "analysis.Summarize"
	if batch.Len() == 0 {
		return models.TriageResult{}, utils.NewValidationError(op, "no log events provided")
	}

	var result models.TriageResult
	err := g.complete(ctx, op, g.schemas.summary, summarySystemPrompt, summaryPrompt(batch), func(raw string) error {
		var reply struct {
			Title   string `json:"triage_title"`
			Summary string `json:"triage_summary"`
		}
		if err := g.schemas.summary.decode(raw, &reply); err != nil {
			return err
		}
		title, summary := strings.TrimSpace(reply.Title), strings.TrimSpace(reply.Summary)
		if title == "" || summary == "" {
			return fmt.Errorf("triage title and summary must not be blank")
		}
		result = models.TriageResult{Title: title, Summary: summary}
		return nil
	})
	return result, err
}

// AnalyzeRootCause produces the RCA fields for an incident.
func (g *Gateway) AnalyzeRootCause(ctx context.Context, in RCAInput) (models.RCA, error) {
	const op = "analysis.AnalyzeRootCause"

	var rca models.RCA
	err := g.complete(ctx, op, g.schemas.rca, rcaSystemPrompt, rcaPrompt(in), func(raw string) error {
		var reply struct {
			Title   string `json:"title"`
			Summary string `json:"summary"`
		}
		if err := g.schemas.rca.decode(raw, &reply); err != nil {
			return err
		}
		title, summary := strings.TrimSpace(reply.Title), strings.TrimSpace(reply.Summary)
		if title == "" || summary == "" {
			return fmt.Errorf("root cause title and summary must not be blank")
		}
		rca = models.RCA{IncidentID: in.IncidentID, Title: title, Summary: summary}
		return nil
	})
	return rca, err
}

// PlanResolution produces a resolution plan and rejects plans whose step
// numbers are not exactly 1..N. Malformed plans are never renumbered.
func (g *Gateway) PlanResolution(ctx context.Context, rca models.RCA, batch models.LogBatch) (models.ResolutionPlan, error) {
	const op = "analysis.PlanResolution"

	var plan models.ResolutionPlan
	err := g.complete(ctx, op, g.schemas.plan, planSystemPrompt, planPrompt(rca, batch), func(raw string) error {
		var reply struct {
			Steps      []models.ResolutionStep `json:"steps"`
			Confidence int                     `json:"confidence"`
		}
		if err := g.schemas.plan.decode(raw, &reply); err != nil {
			return err
		}
		candidate := models.ResolutionPlan{IncidentID: rca.IncidentID, Steps: reply.Steps, Confidence: reply.Confidence}
		if err := candidate.Validate(); err != nil {
			return err
		}
		plan = candidate
		return nil
	})
	return plan, err
}

// complete runs one structured exchange: transport failures are retried by
// the retrier, a rejected reply earns exactly one corrective re-prompt.
func (g *Gateway) complete(ctx context.Context, op string, schema *responseSchema, system, prompt string, accept func(raw string) error) error {
	ctx, span := otel.Tracer("triage-agent/analysis").Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.String("ai.provider", g.provider.Name()), attribute.String("ai.schema", schema.name))

	req := llm.Request{System: system, Prompt: prompt, SchemaName: schema.name, Schema: schema.document}
	for round := 0; round < 2; round++ {
		raw, err := retry.DoValue(ctx, g.retrier, llm.IsTransport, func(ctx context.Context) (string, error) {
			if err := g.limiter.Wait(ctx); err != nil {
				return "", err
			}
			return g.provider.Complete(ctx, req)
		})

		var rejected error
		switch {
		case err == nil:
			rejected = accept(raw)
		case llm.IsSchemaMismatch(err):
			rejected = err
		default:
			metrics.ObserveEgress(metrics.TargetAI, metrics.OutcomeError)
			span.RecordError(err)
			span.SetStatus(codes.Error, "ai capability unavailable")
			return utils.NewAnalysisError(op, "ai capability unavailable", err)
		}
		if rejected == nil {
			metrics.ObserveEgress(metrics.TargetAI, metrics.OutcomeSuccess)
			return nil
		}

		if round == 0 {
			g.logger.Warn("ai reply rejected, re-prompting", "op", op, "error", rejected)
			req.Prompt = correctivePrompt(prompt, raw, rejected)
			continue
		}
		metrics.ObserveEgress(metrics.TargetAI, metrics.OutcomeError)
		span.RecordError(rejected)
		span.SetStatus(codes.Error, "malformed reply")
		return utils.NewAnalysisError(op, "ai reply rejected after corrective retry", fmt.Errorf("%w: %v", ErrMalformedReply, rejected))
	}
	return nil
}
