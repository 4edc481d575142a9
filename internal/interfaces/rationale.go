package interfaces

import "context"

// RationaleClient generates an optional natural-language explanation
// for a precomputed recommendation result set. Supplemental: it never
// computes similarity itself — only narrates results the
// Recommendation Cache already produced.
type RationaleClient interface {
	Explain(ctx context.Context, promptOrTarget string, items []RationaleItem) (string, error)
}

// RationaleItem is the minimal shape the rationale client needs per
// recommended adapter — deliberately smaller than models.Adapter so
// the client package doesn't need to import the full catalog shape.
type RationaleItem struct {
	AdapterID string
	Name      string
	Score     float64
}
