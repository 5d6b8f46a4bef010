// Package patterns mines message signatures from a log batch so repeated
// failures collapse into a few ranked templates.
package patterns

import (
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/miradorstack/triage-agent/internal/models"
)

// Wildcard replaces variable tokens in templates.
const Wildcard = "<*>"

// Masks applied in order; earlier masks win over later, broader ones.
var variableTokens = []*regexp.Regexp{
	regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`),
	regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}(?::\d+)?\b`),
	regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`),
	regexp.MustCompile(`\b[0-9a-fA-F]*\d[0-9a-fA-F]*[a-fA-F][0-9a-fA-F]*\b|\b[0-9a-fA-F]*[a-fA-F][0-9a-fA-F]*\d[0-9a-fA-F]*\b`),
	regexp.MustCompile(`"[^"]*"|'[^']*'`),
	regexp.MustCompile(`\b\d+(?:\.\d+)?(?:(?:ms|s|m|h|kb|mb|gb)\b|%|\b)`),
}

var repeatedWildcards = regexp.MustCompile(`<\*>(?:[\s,:/=-]*<\*>)+`)

// Template collapses the variable parts of a message.
func Template(message string) string {
	t := strings.TrimSpace(message)
	for _, re := range variableTokens {
		t = re.ReplaceAllString(t, Wildcard)
	}
	t = repeatedWildcards.ReplaceAllString(t, Wildcard)
	return strings.Join(strings.Fields(t), " ")
}

// Signature is a group of events sharing one message template.
type Signature struct {
	Template  string
	Services  []string
	Level     models.Level
	Count     int
	Score     float64
	Spike     bool
	FirstSeen time.Time
	LastSeen  time.Time
	Example   string
}

// Miner ranks signatures by severity-weighted frequency.
type Miner struct {
	limit  int
	logger *slog.Logger
}

// NewMiner returns a Miner keeping at most limit signatures; zero keeps all.
func NewMiner(logger *slog.Logger, limit int) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{limit: limit, logger: logger}
}

// Mine groups the batch into signatures ordered by score, then first
// appearance, so identical batches always rank identically.
func (m *Miner) Mine(batch models.LogBatch) []Signature {
	if batch.Len() == 0 {
		return nil
	}

	index := make(map[string]int)
	sigs := make([]Signature, 0)
	order := make([]int, 0)
	for _, ev := range batch.Events {
		tpl := Template(ev.Message)
		i, ok := index[tpl]
		if !ok {
			i = len(sigs)
			index[tpl] = i
			sigs = append(sigs, Signature{
				Template:  tpl,
				Level:     ev.Level,
				FirstSeen: ev.Timestamp,
				LastSeen:  ev.Timestamp,
				Example:   ev.Message,
			})
			order = append(order, i)
		}
		sig := &sigs[i]
		sig.Count++
		if ev.Level.Weight() > sig.Level.Weight() {
			sig.Level = ev.Level
		}
		if ev.Timestamp.Before(sig.FirstSeen) {
			sig.FirstSeen = ev.Timestamp
		}
		if ev.Timestamp.After(sig.LastSeen) {
			sig.LastSeen = ev.Timestamp
		}
		sig.Services = appendUnique(sig.Services, ev.Service)
	}

	markSpikes(sigs)
	for i := range sigs {
		sigs[i].Score = float64(sigs[i].Count) * float64(sigs[i].Level.Weight()+1)
		if sigs[i].Spike {
			sigs[i].Score *= 1.5
		}
	}

	sort.SliceStable(order, func(a, b int) bool {
		return sigs[order[a]].Score > sigs[order[b]].Score
	})
	ranked := make([]Signature, 0, len(order))
	for _, i := range order {
		ranked = append(ranked, sigs[i])
	}
	if m.limit > 0 && len(ranked) > m.limit {
		ranked = ranked[:m.limit]
	}
	m.logger.Debug("mined log signatures", "events", batch.Len(), "signatures", len(sigs), "kept", len(ranked))
	return ranked
}

// QueryText joins the templates of sigs into a knowledge-base query.
func QueryText(sigs []Signature) string {
	parts := make([]string, 0, len(sigs))
	for _, s := range sigs {
		parts = append(parts, s.Template)
	}
	return strings.Join(parts, "\n")
}

// Levels returns the distinct highest levels of sigs.
func Levels(sigs []Signature) []models.Level {
	seen := make(map[models.Level]struct{})
	out := make([]models.Level, 0, len(sigs))
	for _, s := range sigs {
		if _, ok := seen[s.Level]; ok {
			continue
		}
		seen[s.Level] = struct{}{}
		out = append(out, s.Level)
	}
	return out
}

// markSpikes flags signatures whose count deviates from the median by at
// least three mean absolute deviations.
func markSpikes(sigs []Signature) {
	if len(sigs) < 3 {
		return
	}
	counts := make([]float64, 0, len(sigs))
	for _, s := range sigs {
		counts = append(counts, float64(s.Count))
	}
	median := percentile(counts, 0.5)
	mad := meanAbsoluteDeviation(counts, median)
	if mad == 0 {
		return
	}
	for i := range sigs {
		if (float64(sigs[i].Count)-median)/mad >= 3 {
			sigs[i].Spike = true
		}
	}
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Round(p * float64(len(sorted)-1)))
	return sorted[idx]
}

func meanAbsoluteDeviation(values []float64, center float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += math.Abs(v - center)
	}
	return sum / float64(len(values))
}

func appendUnique(existing []string, item string) []string {
	if item == "" {
		return existing
	}
	for _, e := range existing {
		if e == item {
			return existing
		}
	}
	return append(existing, item)
}
