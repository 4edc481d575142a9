// Package statusnorm canonicalizes the heterogeneous status and
// progress vocabulary used by external image generators into the
// fixed CanonicalStatus enum. It is pure and side-effect free: given
// the same raw input it always returns the same output, and applying
// it twice is a no-op (normalize(normalize(raw)) == normalize(raw)).
package statusnorm

import (
	"fmt"
	"strings"

	"github.com/bobmcallan/loraforge/internal/models"
)

// Normalize maps a raw, case-insensitive, whitespace-trimmed external
// status string into a CanonicalStatus. Unrecognized values map to
// failed, with message explaining why.
func Normalize(raw string) (models.CanonicalStatus, string) {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "queued", "pending", "waiting":
		return models.StatusQueued, ""
	case "processing", "running", "in_progress", "started":
		return models.StatusProcessing, ""
	case "completed", "success", "succeeded", "ok", "done", "finished":
		return models.StatusCompleted, ""
	case "failed", "error", "errored", "exception":
		return models.StatusFailed, ""
	case "canceled", "cancelled", "aborted":
		return models.StatusCanceled, ""
	default:
		return models.StatusFailed, fmt.Sprintf("unrecognized status: %s", raw)
	}
}

// NormalizeProgress derives a [0,1] progress value from a raw external
// progress number and the already-normalized status. Values in [0,100]
// are treated as percentages; values in [0,1] pass through unchanged.
// When the raw value is absent (hasRaw == false), progress is derived
// from status: 1.0 for completed, 0.0 for queued, and the previous
// value is left unchanged for processing/failed/canceled (the caller
// passes the stored progress as fallback in that case).
func NormalizeProgress(rawProgress float64, hasRaw bool, status models.CanonicalStatus, fallback float64) float64 {
	if hasRaw {
		switch {
		case rawProgress > 1.0 && rawProgress <= 100.0:
			return rawProgress / 100.0
		case rawProgress >= 0 && rawProgress <= 1.0:
			return rawProgress
		}
	}
	switch status {
	case models.StatusCompleted:
		return 1.0
	case models.StatusQueued:
		return 0.0
	default:
		return fallback
	}
}
