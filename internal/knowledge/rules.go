package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/triage-agent/internal/models"
)

// Rule is one runbook hint matched against the incident's services,
// severities and message text. Empty match fields match everything.
type Rule struct {
	ID       string    `yaml:"id"`
	Title    string    `yaml:"title"`
	Match    RuleMatch `yaml:"match"`
	Guidance []string  `yaml:"guidance"`
}

// RuleMatch defines optional attributes for rule matching.
type RuleMatch struct {
	Service         string   `yaml:"service"`
	Severity        string   `yaml:"severity"`
	MessageContains []string `yaml:"message_contains"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// RulePack serves runbook hints from a YAML file as knowledge documents.
type RulePack struct {
	rules []Rule
}

// LoadRulePack reads rules from path. A missing file yields an empty pack.
func LoadRulePack(path string) (*RulePack, error) {
	if path == "" {
		return &RulePack{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &RulePack{}, nil
		}
		return nil, err
	}
	return ParseRulePack(data)
}

// ParseRulePack decodes a YAML rule file.
func ParseRulePack(data []byte) (*RulePack, error) {
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	for i, r := range cfg.Rules {
		if strings.TrimSpace(r.ID) == "" {
			return nil, fmt.Errorf("rule %d has no id", i)
		}
	}
	return &RulePack{rules: cfg.Rules}, nil
}

// Len returns the number of loaded rules.
func (p *RulePack) Len() int { return len(p.rules) }

// Search implements Searcher. Rules are returned in file order.
func (p *RulePack) Search(_ context.Context, q Query) ([]models.Document, error) {
	if p == nil {
		return nil, nil
	}
	text := strings.ToLower(q.Text)
	limit := q.limit()

	var docs []models.Document
	for _, rule := range p.rules {
		if rule.Match.Service != "" && !containsFold(q.Services, rule.Match.Service) {
			continue
		}
		if rule.Match.Severity != "" && !hasLevel(q.Levels, rule.Match.Severity) {
			continue
		}
		if len(rule.Match.MessageContains) > 0 && !containsAny(text, rule.Match.MessageContains) {
			continue
		}
		title := rule.Title
		if title == "" {
			title = rule.ID
		}
		docs = append(docs, models.Document{
			Source:  "rules:" + rule.ID,
			Title:   title,
			Content: strings.Join(rule.Guidance, "\n"),
		})
		if len(docs) == limit {
			break
		}
	}
	return docs, nil
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

func hasLevel(levels []models.Level, want string) bool {
	for _, l := range levels {
		if strings.EqualFold(string(l), want) {
			return true
		}
	}
	return false
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
