package model

// ComplexityInput is the submission metadata the assessor scores.
type ComplexityInput struct {
	ImageCount    int    `json:"imageCount"`
	TextLength    int    `json:"textLength"`
	QuestionCount int    `json:"questionCount"`
	HasImages     bool   `json:"hasImages"`
	Subject       string `json:"subject"`
	OCRRequired   bool   `json:"ocrRequired"`
}

type ComplexityLevel string

const (
	ComplexitySimple  ComplexityLevel = "simple"
	ComplexityMedium  ComplexityLevel = "medium"
	ComplexityComplex ComplexityLevel = "complex"
)

type SubScores struct {
	Files     int `json:"files"`
	Text      int `json:"text"`
	Questions int `json:"questions"`
	Images    int `json:"images"`
	Subject   int `json:"subject"`
	OCR       int `json:"ocr"`
}

func (s SubScores) Sum() int {
	return s.Files + s.Text + s.Questions + s.Images + s.Subject + s.OCR
}

type ComplexityReport struct {
	Score     int             `json:"score"`
	Level     ComplexityLevel `json:"level"`
	Mode      ExecutionMode   `json:"mode"`
	SubScores SubScores       `json:"subScores"`
}
