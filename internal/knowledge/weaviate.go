package knowledge

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/miradorstack/triage-agent/internal/cache"
	"github.com/miradorstack/triage-agent/internal/metrics"
	"github.com/miradorstack/triage-agent/internal/models"
	"github.com/miradorstack/triage-agent/internal/retry"
)

var errWeaviateUnavailable = errors.New("weaviate unavailable")

// WeaviateOptions configure a WeaviateSearcher.
type WeaviateOptions struct {
	Endpoint string
	APIKey   string
	// Class is the collection holding runbooks and past incident write-ups.
	Class    string
	Timeout  time.Duration
	Cache    cache.Provider
	CacheTTL time.Duration
	Retry    retry.Policy
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// WeaviateSearcher runs nearText queries against a Weaviate GraphQL endpoint.
type WeaviateSearcher struct {
	endpoint   string
	apiKey     string
	class      string
	httpClient *http.Client
	cache      cache.Provider
	cacheTTL   time.Duration
	retrier    *retry.Retrier
	logger     *slog.Logger
}

// NewWeaviateSearcher constructs a searcher; it does not contact the server.
func NewWeaviateSearcher(opts WeaviateOptions) (*WeaviateSearcher, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, fmt.Errorf("weaviate endpoint not configured")
	}
	if opts.Cache == nil {
		opts.Cache = cache.NoopProvider{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.CacheTTL < 0 {
		opts.CacheTTL = 0
	}
	if opts.Class == "" {
		opts.Class = "KnowledgeDocument"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	retrier := retry.New(opts.Retry, opts.Clock)
	retrier.OnRetry = func(attempt int, err error, wait time.Duration) {
		metrics.ObserveEgress(metrics.TargetKnowledge, metrics.OutcomeRetry)
		opts.Logger.Debug("weaviate query failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	}
	return &WeaviateSearcher{
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
		apiKey:   opts.APIKey,
		class:    opts.Class,
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		cache:    opts.Cache,
		cacheTTL: opts.CacheTTL,
		retrier:  retrier,
		logger:   opts.Logger,
	}, nil
}

// Search implements Searcher.
func (w *WeaviateSearcher) Search(ctx context.Context, q Query) ([]models.Document, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, nil
	}
	limit := q.limit()

	ctx, span := otel.Tracer("triage-agent/knowledge").Start(ctx, "knowledge.Weaviate.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("kb.limit", limit))

	cacheKey := ""
	if w.cacheTTL > 0 {
		cacheKey = cacheSearchKey(w.class, text, limit)
		var cached []models.Document
		found, err := cache.GetJSON(ctx, w.cache, cacheKey, &cached)
		if err != nil {
			w.logger.Debug("knowledge cache read failed", "error", err)
		}
		if found {
			span.SetAttributes(attribute.Bool("kb.cache_hit", true))
			return cached, nil
		}
	}

	docs, err := retry.DoValue(ctx, w.retrier, func(err error) bool { return errors.Is(err, errWeaviateUnavailable) },
		func(ctx context.Context) ([]models.Document, error) {
			return w.query(ctx, text, limit)
		})
	if err != nil {
		metrics.ObserveEgress(metrics.TargetKnowledge, metrics.OutcomeError)
		span.RecordError(err)
		return nil, fmt.Errorf("weaviate search: %w", err)
	}
	metrics.ObserveEgress(metrics.TargetKnowledge, metrics.OutcomeSuccess)

	if cacheKey != "" && len(docs) > 0 {
		if err := cache.SetJSON(ctx, w.cache, cacheKey, docs, w.cacheTTL); err != nil {
			w.logger.Debug("knowledge cache write failed", "error", err)
		}
	}
	return docs, nil
}

func (w *WeaviateSearcher) query(ctx context.Context, text string, limit int) ([]models.Document, error) {
	concept, err := graphQLString(text)
	if err != nil {
		return nil, err
	}
	gql := map[string]any{
		"query": fmt.Sprintf(`{
  Get {
    %s(
      nearText: {concepts: [%s]}
      limit: %d
    ) {
      title
      content
      source
      _additional { certainty }
    }
  }
}`, w.class, concept, limit),
	}
	payload, err := json.Marshal(gql)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint+"/v1/graphql", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errWeaviateUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %s", errWeaviateUnavailable, resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weaviate returned %s", resp.Status)
	}

	var response struct {
		Data struct {
			Get map[string][]struct {
				Title      string `json:"title"`
				Content    string `json:"content"`
				Source     string `json:"source"`
				Additional struct {
					Certainty float64 `json:"certainty"`
				} `json:"_additional"`
			} `json:"Get"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode weaviate response: %w", err)
	}
	if len(response.Errors) > 0 {
		return nil, fmt.Errorf("weaviate query error: %s", response.Errors[0].Message)
	}

	records := response.Data.Get[w.class]
	docs := make([]models.Document, 0, len(records))
	for _, rec := range records {
		source := rec.Source
		if source == "" {
			source = "weaviate"
		}
		docs = append(docs, models.Document{
			Source:  source,
			Title:   rec.Title,
			Content: rec.Content,
			Score:   rec.Additional.Certainty,
		})
	}
	return docs, nil
}

// graphQLString quotes s as a GraphQL string literal.
func graphQLString(s string) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func cacheSearchKey(class, text string, limit int) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("weaviate:search:%s:%d:%s", class, limit, hex.EncodeToString(sum[:8]))
}
