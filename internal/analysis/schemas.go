package analysis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	summarySchemaName = "triage_summary"
	rcaSchemaName     = "root_cause_analysis"
	planSchemaName    = "resolution_plan"
)

const summarySchemaJSON = `{
  "type": "object",
  "required": ["triage_title", "triage_summary"],
  "properties": {
    "triage_title": {"type": "string", "minLength": 1, "description": "Short incident title."},
    "triage_summary": {"type": "string", "minLength": 1, "description": "Short summary of the likely root cause."}
  }
}`

const rcaSchemaJSON = `{
  "type": "object",
  "required": ["title", "summary"],
  "properties": {
    "title": {"type": "string", "minLength": 1, "description": "Root cause headline."},
    "summary": {"type": "string", "minLength": 1, "description": "Explanation of why the incident occurred."}
  }
}`

const planSchemaJSON = `{
  "type": "object",
  "required": ["steps", "confidence"],
  "properties": {
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["step_number", "procedure"],
        "properties": {
          "step_number": {"type": "integer", "minimum": 1},
          "procedure": {"type": "string", "minLength": 1},
          "command": {"type": "string"}
        }
      }
    },
    "confidence": {"type": "integer", "minimum": 0, "maximum": 100}
  }
}`

// responseSchema is one structured reply contract: the compiled validator and
// the raw document handed to the provider.
type responseSchema struct {
	name     string
	document map[string]any
	compiled *jsonschema.Schema
}

func compileSchema(name, doc string) (*responseSchema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://triage-agent.schemas.local/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("load %s schema: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	var document map[string]any
	if err := json.Unmarshal([]byte(doc), &document); err != nil {
		return nil, fmt.Errorf("decode %s schema: %w", name, err)
	}
	return &responseSchema{name: name, document: document, compiled: compiled}, nil
}

// decode checks raw against the schema and unmarshals it into out.
func (s *responseSchema) decode(raw string, out any) error {
	raw = stripFence(raw)
	var generic any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return fmt.Errorf("reply is not valid JSON: %v", err)
	}
	if err := s.compiled.Validate(generic); err != nil {
		return fmt.Errorf("reply does not match %s schema: %v", s.name, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode %s reply: %v", s.name, err)
	}
	return nil
}

type schemaSet struct {
	summary *responseSchema
	rca     *responseSchema
	plan    *responseSchema
}

func loadSchemas() (*schemaSet, error) {
	summary, err := compileSchema(summarySchemaName, summarySchemaJSON)
	if err != nil {
		return nil, err
	}
	rca, err := compileSchema(rcaSchemaName, rcaSchemaJSON)
	if err != nil {
		return nil, err
	}
	plan, err := compileSchema(planSchemaName, planSchemaJSON)
	if err != nil {
		return nil, err
	}
	return &schemaSet{summary: summary, rca: rca, plan: plan}, nil
}

// stripFence removes a markdown code fence some models wrap JSON in.
func stripFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
