// Package present turns diagnoses and their failures into user-facing text.
package present

import (
	"errors"
	"fmt"
	"strings"

	"leafdoc/api/internal/diagnosis"
	"leafdoc/api/internal/imagecheck"
)

const (
	msgInvalidResponse = "The AI returned an invalid response format. Please try again."
	msgConfiguration   = "The diagnosis service is not configured yet. Please contact the operator."
	msgRead            = "The image could not be read. Please select the file again."
	msgNetwork         = "Could not reach the AI service. Please try again in a moment."
	msgTimeout         = "The AI service took too long to answer. Please try again."
	msgUnknown         = "An unknown error occurred."
	msgUnsupported     = "Please upload a PNG, JPEG or WEBP image of a leaf."
	msgTooLarge        = "The image is too large. Please upload a smaller photo."
	msgUndecodable     = "The image looks damaged. Please upload another photo."
)

// UserMessage returns text that is safe to show for err. It never includes
// model output or internal details.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, imagecheck.ErrEmpty), errors.Is(err, imagecheck.ErrUnsupported):
		return msgUnsupported
	case errors.Is(err, imagecheck.ErrTooLarge):
		return msgTooLarge
	case errors.Is(err, imagecheck.ErrUndecodable):
		return msgUndecodable
	}

	switch diagnosis.KindOf(err) {
	case diagnosis.KindConfiguration:
		return msgConfiguration
	case diagnosis.KindRead:
		return msgRead
	case diagnosis.KindEmptyResponse, diagnosis.KindMalformedResponse, diagnosis.KindSchemaViolation:
		return msgInvalidResponse
	case diagnosis.KindNetwork:
		return msgNetwork
	case diagnosis.KindTimeout:
		return msgTimeout
	default:
		return msgUnknown
	}
}

type Band string

const (
	BandHigh   Band = "high"
	BandMedium Band = "medium"
	BandLow    Band = "low"
)

// ConfidenceBand buckets a confidence score the way the result card colors it.
func ConfidenceBand(score float64) Band {
	switch {
	case score > 0.8:
		return BandHigh
	case score > 0.6:
		return BandMedium
	default:
		return BandLow
	}
}

// Percent formats a score in [0,1] as "87.5%".
func Percent(score float64) string {
	return fmt.Sprintf("%.1f%%", score*100)
}

// Card renders a result as plain text.
func Card(r diagnosis.AnalysisResult) string {
	var b strings.Builder
	if r.IsHealthy {
		b.WriteString("✅ Healthy leaf\n")
	} else {
		b.WriteString("⚠️ Disease detected: ")
		b.WriteString(r.DiseaseName)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Confidence: %s (%s)\n", Percent(r.ConfidenceScore), ConfidenceBand(r.ConfidenceScore))

	section(&b, "Description", r.Description)
	section(&b, "Organic treatment", r.OrganicTreatment)
	section(&b, "Chemical treatment", r.ChemicalTreatment)
	return strings.TrimRight(b.String(), "\n")
}

func section(b *strings.Builder, title, body string) {
	body = strings.TrimSpace(body)
	if body == "" {
		return
	}
	b.WriteString("\n")
	b.WriteString(title)
	b.WriteString(":\n")
	b.WriteString(body)
	b.WriteString("\n")
}
