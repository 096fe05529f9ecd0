// Package provider defines the uniform contract every external generation
// backend is adapted to, and the registry that routes a kind to a backend.
package provider

import (
	"context"
	"errors"

	"github.com/digkill/genstudio/internal/models"
)

var (
	// ErrProviderUnavailable covers transport failures, 5xx and rate limiting. Safe to retry.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderRejected covers validation and business rejections. Never retried.
	ErrProviderRejected = errors.New("provider rejected request")
	ErrNoProvider       = errors.New("no provider supports kind")
)

type State string

const (
	StatePending   State = "pending"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Inputs are the kind-specific parameters of a submission. Adapters ignore fields
// that do not apply to the requested kind.
type Inputs struct {
	Prompt          string   `json:"prompt"`
	Model           string   `json:"model,omitempty"`
	ImageURLs       []string `json:"image_urls,omitempty"`
	AudioURL        string   `json:"audio_url,omitempty"`
	DurationSeconds int      `json:"duration_seconds,omitempty"`
	AspectRatio     string   `json:"aspect_ratio,omitempty"`
	Resolution      string   `json:"resolution,omitempty"`
	Voice           string   `json:"voice,omitempty"`
	UpscaleFactor   int      `json:"upscale_factor,omitempty"`
}

type Submission struct {
	Handle string
	Model  string
}

type Status struct {
	State   State
	Outputs []string
	Error   string
}

type Provider interface {
	Name() string
	Supports(kind models.GenerationKind) bool
	Submit(ctx context.Context, kind models.GenerationKind, in Inputs) (Submission, error)
	CheckStatus(ctx context.Context, handle string) (Status, error)
}
