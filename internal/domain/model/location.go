package model

type AnnotationKind string

const (
	AnnotationPoint AnnotationKind = "point"
	AnnotationLine  AnnotationKind = "line"
	AnnotationArea  AnnotationKind = "area"
)

func ParseAnnotationKind(s string) (AnnotationKind, bool) {
	switch k := AnnotationKind(s); k {
	case AnnotationPoint, AnnotationLine, AnnotationArea:
		return k, true
	}
	return AnnotationArea, false
}

// ErrorLocation is a validated position of one error on its page.
// Confidence below the acceptance threshold always comes with Fallback set.
type ErrorLocation struct {
	Box        BBox           `json:"bbox"`
	Kind       AnnotationKind `json:"type"`
	Confidence float64        `json:"confidence"`
	Reasoning  string         `json:"reasoning"`
	Fallback   bool           `json:"fallback,omitempty"`
	// Unverified marks a fallback taken because the reasoning service failed,
	// not because its answer was rejected.
	Unverified bool           `json:"unverified,omitempty"`
}

// Annotation ties an error to its question, page and location.
type Annotation struct {
	QuestionIndex int           `json:"questionIndex"`
	PageIndex     int           `json:"pageIndex"`
	ImageRef      string        `json:"imageRef"`
	Error         ErrorItem     `json:"error"`
	Location      ErrorLocation `json:"location"`
}
