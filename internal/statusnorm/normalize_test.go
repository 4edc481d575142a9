package statusnorm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bobmcallan/loraforge/internal/models"
)

func TestNormalize_KnownAliases(t *testing.T) {
	tests := []struct {
		raw  string
		want models.CanonicalStatus
	}{
		{"queued", models.StatusQueued},
		{"Pending", models.StatusQueued},
		{"  WAITING  ", models.StatusQueued},
		{"running", models.StatusProcessing},
		{"in_progress", models.StatusProcessing},
		{"STARTED", models.StatusProcessing},
		{"success", models.StatusCompleted},
		{"done", models.StatusCompleted},
		{"FINISHED", models.StatusCompleted},
		{"error", models.StatusFailed},
		{"exception", models.StatusFailed},
		{"cancelled", models.StatusCanceled},
		{"ABORTED", models.StatusCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, msg := Normalize(tt.raw)
			assert.Equal(t, tt.want, got)
			assert.Empty(t, msg)
		})
	}
}

func TestNormalize_Unrecognized(t *testing.T) {
	got, msg := Normalize("frobnicating")
	assert.Equal(t, models.StatusFailed, got)
	assert.Contains(t, msg, "frobnicating")
}

func TestNormalize_Idempotent(t *testing.T) {
	for _, raw := range []string{"queued", "running", "done", "error", "cancelled", "garbage"} {
		first, _ := Normalize(raw)
		second, _ := Normalize(string(first))
		assert.Equal(t, first, second, "normalizing twice should be a no-op for %q", raw)
	}
}

func TestNormalizeProgress_PercentageScale(t *testing.T) {
	got := NormalizeProgress(42, true, models.StatusProcessing, 0)
	assert.InDelta(t, 0.42, got, 0.0001)
}

func TestNormalizeProgress_FractionPassthrough(t *testing.T) {
	got := NormalizeProgress(0.75, true, models.StatusProcessing, 0)
	assert.InDelta(t, 0.75, got, 0.0001)
}

func TestNormalizeProgress_NoRawDerivesFromStatus(t *testing.T) {
	assert.Equal(t, 1.0, NormalizeProgress(0, false, models.StatusCompleted, 0.3))
	assert.Equal(t, 0.0, NormalizeProgress(0, false, models.StatusQueued, 0.3))
	assert.Equal(t, 0.3, NormalizeProgress(0, false, models.StatusProcessing, 0.3))
}

func TestNormalizeProgress_OutOfRangeRawFallsBackToStatus(t *testing.T) {
	// 150 is neither a valid percentage (>100) nor a valid fraction.
	got := NormalizeProgress(150, true, models.StatusCompleted, 0.3)
	assert.Equal(t, 1.0, got)
}
