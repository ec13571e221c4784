package verify

import (
	"encoding/json"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/miradorstack/mirador-audit/internal/models"
	"github.com/miradorstack/mirador-audit/internal/utils"
)

// closed rejects every property not listed in Properties.
var closed = &jsonschema.Schema{Not: &jsonschema.Schema{}}

func stringList() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "array", Items: &jsonschema.Schema{Type: "string"}}
}

func bound(v float64) *float64 { return &v }

var verifySchema = mustResolve(&jsonschema.Schema{
	Type: "object",
	Required: []string{
		"verdict", "v_conf", "explanation", "evidence_used", "possible_false_positive", "next_questions",
	},
	AdditionalProperties: closed,
	Properties: map[string]*jsonschema.Schema{
		"verdict": {Type: "string", Enum: []any{
			string(models.VerdictConfirm), string(models.VerdictUncertain), string(models.VerdictReject),
		}},
		"v_conf":                  {Type: "number", Minimum: bound(0), Maximum: bound(1)},
		"explanation":             {Type: "string"},
		"evidence_used":           stringList(),
		"possible_false_positive": stringList(),
		"next_questions":          stringList(),
	},
})

var explainSchema = mustResolve(&jsonschema.Schema{
	Type: "object",
	Required: []string{
		"one_liner", "why_anomalous", "evidence_summary", "what_to_check_next", "possible_normal_reasons",
	},
	AdditionalProperties: closed,
	Properties: map[string]*jsonschema.Schema{
		"one_liner":               {Type: "string"},
		"why_anomalous":           {Type: "string"},
		"evidence_summary":        {Type: "string"},
		"what_to_check_next":      stringList(),
		"possible_normal_reasons": stringList(),
	},
})

func mustResolve(s *jsonschema.Schema) *jsonschema.Resolved {
	resolved, err := s.Resolve(nil)
	if err != nil {
		panic("verify: resolve output schema: " + err.Error())
	}
	return resolved
}

// DecodeVerify validates a verify completion. A missing or null
// evidence_used becomes an empty list, which scope enforcement downgrades;
// a missing or empty next_questions takes defaultQuestions.
func DecodeVerify(content string, defaultQuestions []string) (models.VerifyOutput, error) {
	doc, err := parseObject(content)
	if err != nil {
		return models.VerifyOutput{}, err
	}
	if v, ok := doc["evidence_used"]; !ok || v == nil {
		doc["evidence_used"] = []any{}
	}
	if q, ok := doc["next_questions"]; !ok || q == nil || isEmptyList(q) {
		questions := make([]any, 0, len(defaultQuestions))
		for _, item := range defaultQuestions {
			questions = append(questions, item)
		}
		doc["next_questions"] = questions
	}
	var out models.VerifyOutput
	if err := validateInto(verifySchema, doc, &out); err != nil {
		return models.VerifyOutput{}, err
	}
	return out, nil
}

// DecodeExplain strictly validates an explain completion.
func DecodeExplain(content string) (models.ExplainOutput, error) {
	doc, err := parseObject(content)
	if err != nil {
		return models.ExplainOutput{}, err
	}
	var out models.ExplainOutput
	if err := validateInto(explainSchema, doc, &out); err != nil {
		return models.ExplainOutput{}, err
	}
	return out, nil
}

// extractJSON returns content when it is a JSON object, else the span from
// the first '{' to the last '}'.
func extractJSON(content string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	if json.Valid([]byte(trimmed)) && strings.HasPrefix(trimmed, "{") {
		return trimmed, true
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return "", false
	}
	span := trimmed[start : end+1]
	if !json.Valid([]byte(span)) {
		return "", false
	}
	return span, true
}

func parseObject(content string) (map[string]any, error) {
	raw, ok := extractJSON(content)
	if !ok {
		return nil, schemaError("completion does not contain a JSON object")
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil || doc == nil {
		return nil, schemaError("completion is not a JSON object")
	}
	return doc, nil
}

func validateInto(schema *jsonschema.Resolved, doc map[string]any, out any) error {
	if err := schema.Validate(doc); err != nil {
		return schemaError(err.Error())
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return schemaError("re-encode completion")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return schemaError("decode completion: " + err.Error())
	}
	return nil
}

func isEmptyList(v any) bool {
	items, ok := v.([]any)
	return ok && len(items) == 0
}

func schemaError(msg string) error {
	return utils.NewCodedError(utils.CodeLLMSchema, "verify.schema", msg, nil)
}
