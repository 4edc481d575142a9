package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// RecommendationKind selects which similarity query a fingerprint
// represents.
type RecommendationKind string

const (
	RecommendationSimilar   RecommendationKind = "similar"
	RecommendationForPrompt RecommendationKind = "for_prompt"
)

// RecommendationRequest is the normalized input to a similarity
// computation; Fingerprint() derives the cache key from it.
type RecommendationRequest struct {
	Kind           RecommendationKind
	TargetID       string // used when Kind == similar
	PromptHash     string // used when Kind == for_prompt
	K              int
	WeightsRounded string // pre-rounded, pre-serialized weight vector
	Flags          string // sorted, comma-joined flag set
}

// Fingerprint derives the cache key for r: a stable hash over every
// field that affects the computed result, so two requests that would
// compute the same similarity set collide on the same cache entry.
func (r RecommendationRequest) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|%s|%s", r.Kind, r.TargetID, r.PromptHash, r.K, r.WeightsRounded, r.Flags)
	return hex.EncodeToString(h.Sum(nil))
}

// RecommendationItem is one entry in a similarity result set.
type RecommendationItem struct {
	AdapterID string  `json:"adapter_id"`
	Score     float64 `json:"score"`
}

// RecommendationResult is the value stored in a Cache Entry.
type RecommendationResult struct {
	Items     []RecommendationItem `json:"items"`
	CachedAt  time.Time             `json:"cached_at"`
	Rationale string                `json:"rationale,omitempty"`
}
