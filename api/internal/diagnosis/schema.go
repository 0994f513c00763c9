package diagnosis

import "github.com/google/generative-ai-go/genai"

const instruction = `Analyze the attached image of a crop leaf. Based on your analysis, provide the following information in the requested JSON format.

- If the leaf shows signs of disease, identify it, provide a confidence score, a description of the disease, and recommend both organic and chemical treatments.
- If the leaf appears healthy, set isHealthy to true, diseaseName to "N/A", provide a high confidence score, and write a brief description about maintaining plant health. Provide positive messages for the treatment fields.`

type field struct {
	name string
	typ  genai.Type
	desc string
}

// resultFields lists the properties of AnalysisResult in declaration order.
// It drives both the response schema and validation.
var resultFields = []field{
	{"isHealthy", genai.TypeBoolean, "Whether the leaf is healthy."},
	{"diseaseName", genai.TypeString, `Name of the disease, or "N/A" if healthy.`},
	{"confidenceScore", genai.TypeNumber, "Confidence in the diagnosis (0.0 to 1.0)."},
	{"description", genai.TypeString, "A brief description of the disease or general plant health."},
	{"organicTreatment", genai.TypeString, "Recommended organic treatment methods."},
	{"chemicalTreatment", genai.TypeString, "Recommended chemical treatment methods."},
}

func responseSchema() *genai.Schema {
	s := &genai.Schema{
		Type:       genai.TypeObject,
		Properties: make(map[string]*genai.Schema, len(resultFields)),
		Required:   make([]string, 0, len(resultFields)),
	}
	for _, f := range resultFields {
		s.Properties[f.name] = &genai.Schema{Type: f.typ, Description: f.desc}
		s.Required = append(s.Required, f.name)
	}
	return s
}

func generationConfig() genai.GenerationConfig {
	return genai.GenerationConfig{
		Temperature:      ptrFloat32(0),
		ResponseMIMEType: "application/json",
		ResponseSchema:   responseSchema(),
	}
}

func ptrFloat32(v float32) *float32 { return &v }
