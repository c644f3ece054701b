package judge

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/dida1024/infoSentry/internal/model"
)

// MaxReasonLen bounds the reasoner's free-text reason, in characters.
const MaxReasonLen = 120

// Verdict is a reasoner response that passed schema validation.
type Verdict struct {
	Label      model.Tier       `json:"label"`
	Confidence float64          `json:"confidence"`
	Uncertain  bool             `json:"uncertain"`
	Reason     string           `json:"reason"`
	Evidence   []model.Evidence `json:"evidence"`
}

// responseSchema is built once from the candidate field list so evidence can
// only cite fields a Candidate actually has.
func responseSchema() string {
	fields, _ := json.Marshal(model.CandidateFields)
	return fmt.Sprintf(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["label", "confidence", "uncertain", "reason", "evidence"],
  "properties": {
    "label": {"enum": ["IMMEDIATE", "BATCH"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "uncertain": {"type": "boolean"},
    "reason": {"type": "string", "minLength": 1, "maxLength": %d},
    "evidence": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["type", "value", "ref"],
        "properties": {
          "type": {"type": "string", "minLength": 1},
          "value": {"type": "string"},
          "ref": {
            "type": "object",
            "additionalProperties": false,
            "required": ["field"],
            "properties": {"field": {"enum": %s}}
          }
        }
      }
    }
  }
}`, MaxReasonLen, fields)
}

// Validator checks reasoner output against the judge response schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the response schema.
func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(responseSchema()))
	if err != nil {
		return nil, fmt.Errorf("judge: unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("judge_response.json", doc); err != nil {
		return nil, fmt.Errorf("judge: add schema resource: %w", err)
	}
	sch, err := c.Compile("judge_response.json")
	if err != nil {
		return nil, fmt.Errorf("judge: compile schema: %w", err)
	}
	return &Validator{schema: sch}, nil
}

// Parse validates raw and decodes it. A single fenced code block around the
// object is tolerated; any other surrounding text is not.
func (v *Validator) Parse(raw string) (Verdict, error) {
	text := stripFence(raw)
	if text == "" {
		return Verdict{}, fmt.Errorf("judge: empty response")
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		return Verdict{}, fmt.Errorf("judge: response is not JSON: %w", err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return Verdict{}, fmt.Errorf("judge: schema validation failed: %w", err)
	}
	var out Verdict
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return Verdict{}, fmt.Errorf("judge: decode response: %w", err)
	}
	// maxLength counts code points; re-check in case of a decoder mismatch.
	if n := len([]rune(out.Reason)); n == 0 || n > MaxReasonLen {
		return Verdict{}, fmt.Errorf("judge: reason length %d out of range", n)
	}
	if out.Evidence == nil {
		out.Evidence = []model.Evidence{}
	}
	return out, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
