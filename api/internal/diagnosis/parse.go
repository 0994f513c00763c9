package diagnosis

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/generative-ai-go/genai"
)

var typeNames = map[genai.Type]string{
	genai.TypeBoolean: "boolean",
	genai.TypeString:  "string",
	genai.TypeNumber:  "number",
}

// StripCodeFences removes a leading ```json (or bare ```) marker and a
// trailing ``` marker, together with the whitespace around them.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = s[3:]
		if len(s) >= 4 && strings.EqualFold(s[:4], "json") {
			s = s[4:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// ParseResult turns raw model output into a validated AnalysisResult.
// On failure the zero AnalysisResult is returned with an *Error of kind
// KindEmptyResponse, KindMalformedResponse or KindSchemaViolation.
func ParseResult(raw string) (AnalysisResult, error) {
	const op = "diagnosis.ParseResult"

	text := strings.TrimSpace(raw)
	if text == "" {
		return AnalysisResult{}, &Error{Kind: KindEmptyResponse, Op: op, Err: errors.New("no text in response")}
	}

	var v any
	if err := json.Unmarshal([]byte(StripCodeFences(text)), &v); err != nil {
		return AnalysisResult{}, &Error{Kind: KindMalformedResponse, Op: op, Raw: raw, Err: err}
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return AnalysisResult{}, &Error{Kind: KindSchemaViolation, Op: op, Raw: raw, Err: fmt.Errorf("expected object, got %s", jsonType(v))}
	}

	for _, f := range resultFields {
		if err := checkField(obj, f); err != nil {
			return AnalysisResult{}, &Error{Kind: KindSchemaViolation, Op: op, Field: f.name, Raw: raw, Err: err}
		}
	}

	conf := obj["confidenceScore"].(float64)
	if math.IsNaN(conf) || math.IsInf(conf, 0) || conf < 0 || conf > 1 {
		return AnalysisResult{}, &Error{Kind: KindSchemaViolation, Op: op, Field: "confidenceScore", Raw: raw,
			Err: fmt.Errorf("%v is outside [0, 1]", conf)}
	}

	return AnalysisResult{
		IsHealthy:         obj["isHealthy"].(bool),
		DiseaseName:       obj["diseaseName"].(string),
		ConfidenceScore:   conf,
		Description:       obj["description"].(string),
		OrganicTreatment:  obj["organicTreatment"].(string),
		ChemicalTreatment: obj["chemicalTreatment"].(string),
	}, nil
}

func checkField(obj map[string]any, f field) error {
	v, ok := obj[f.name]
	if !ok {
		return errors.New("missing")
	}
	var good bool
	switch v.(type) {
	case bool:
		good = f.typ == genai.TypeBoolean
	case string:
		good = f.typ == genai.TypeString
	case float64:
		good = f.typ == genai.TypeNumber
	}
	if !good {
		return fmt.Errorf("expected %s, got %s", typeNames[f.typ], jsonType(v))
	}
	return nil
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
