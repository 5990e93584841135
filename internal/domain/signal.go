package domain

// Point is one synthesized sample. Timestamp is Unix seconds.
type Point struct {
	Timestamp float64 `json:"timestamp"`
	Value     float64 `json:"value"`
}
