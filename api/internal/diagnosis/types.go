package diagnosis

// HealthySentinel is the disease name the model reports for a healthy leaf.
const HealthySentinel = "N/A"

// AnalysisResult is a validated diagnosis of one leaf photo.
type AnalysisResult struct {
	IsHealthy         bool    `json:"isHealthy"`
	DiseaseName       string  `json:"diseaseName"`
	ConfidenceScore   float64 `json:"confidenceScore"`
	Description       string  `json:"description"`
	OrganicTreatment  string  `json:"organicTreatment"`
	ChemicalTreatment string  `json:"chemicalTreatment"`
}

// EncodedImage is a base64 payload with its declared MIME type, ready to be
// sent inline to the model.
type EncodedImage struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimeType"`
}
