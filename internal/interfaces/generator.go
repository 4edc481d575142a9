package interfaces

import (
	"context"

	"github.com/bobmcallan/loraforge/internal/models"
)

// ExternalStatus is the raw poll response from the external generator,
// before it passes through the Status Normalizer.
type ExternalStatus struct {
	RawStatus      string
	Progress       float64
	HasProgress    bool
	PartialPreview string
	ResultPayload  *models.JobResult
	Error          string
}

// GeneratorClient adapts to a single external image generator speaking
// HTTP+JSON. ExternalHandle is whatever opaque token start() returns;
// callers pass it back unchanged to poll/cancel.
type GeneratorClient interface {
	Start(ctx context.Context, prompt, negativePrompt string, params models.GenerationParams) (externalHandle string, err error)
	Poll(ctx context.Context, externalHandle string) (*ExternalStatus, error)
	Cancel(ctx context.Context, externalHandle string) error
	Healthcheck(ctx context.Context) bool
}
