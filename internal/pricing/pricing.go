// Package pricing maps a generation kind and its duration to a credit cost.
//
// Three rule families exist:
//   - fixed: every image kind and upscale cost the same flat amount;
//   - bucketed: video is priced by the smallest duration bucket that fits. Durations
//     above the largest bucket are charged the largest bucket's price, which means long
//     videos are under-charged. This is intentional until product decides otherwise;
//   - linear: audio and lip-sync charge per started unit of seconds.
//
// Bucketed and linear kinds require a positive duration no longer than MaxDurationSeconds.
package pricing

import (
	"errors"
	"fmt"

	"github.com/digkill/genstudio/internal/models"
)

var ErrInvalidInput = errors.New("invalid pricing input")

const FixedImageCost = 5

// MaxDurationSeconds caps every duration-priced request.
const MaxDurationSeconds = 3600

type bucket struct {
	maxSeconds int
	price      int
}

// videoBuckets must stay sorted by maxSeconds.
var videoBuckets = []bucket{
	{maxSeconds: 5, price: 25},
	{maxSeconds: 8, price: 50},
	{maxSeconds: 10, price: 70},
}

type linearRate struct {
	unitSeconds int
	unitPrice   int
}

var linearRates = map[models.GenerationKind]linearRate{
	models.KindAudioFromText: {unitSeconds: 30, unitPrice: 2},
	models.KindLipSync:       {unitSeconds: 5, unitPrice: 10},
}

// Quote is a cost breakdown for display.
type Quote struct {
	Kind          models.GenerationKind `json:"kind"`
	Cost          int                   `json:"cost"`
	BilledSeconds int                   `json:"billed_seconds,omitempty"`
}

// Cost returns the credit price of one generation.
func Cost(kind models.GenerationKind, durationSeconds *int) (int, error) {
	q, err := QuoteFor(kind, durationSeconds)
	if err != nil {
		return 0, err
	}
	return q.Cost, nil
}

// RequiresDuration reports whether kind is priced by duration.
func RequiresDuration(kind models.GenerationKind) bool {
	switch kind {
	case models.KindVideoFromText, models.KindVideoFromImage:
		return true
	}
	_, ok := linearRates[kind]
	return ok
}

func QuoteFor(kind models.GenerationKind, durationSeconds *int) (Quote, error) {
	switch kind {
	case models.KindImageFromText, models.KindImageFromImage, models.KindImageReimagine, models.KindImageUpscale:
		return Quote{Kind: kind, Cost: FixedImageCost}, nil
	case models.KindVideoFromText, models.KindVideoFromImage:
		d, err := positiveDuration(kind, durationSeconds)
		if err != nil {
			return Quote{}, err
		}
		b := videoBucket(d)
		return Quote{Kind: kind, Cost: b.price, BilledSeconds: b.maxSeconds}, nil
	}

	rate, ok := linearRates[kind]
	if !ok {
		return Quote{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, kind)
	}
	d, err := positiveDuration(kind, durationSeconds)
	if err != nil {
		return Quote{}, err
	}
	units := (d + rate.unitSeconds - 1) / rate.unitSeconds
	return Quote{Kind: kind, Cost: units * rate.unitPrice, BilledSeconds: units * rate.unitSeconds}, nil
}

func videoBucket(seconds int) bucket {
	for _, b := range videoBuckets {
		if seconds <= b.maxSeconds {
			return b
		}
	}
	return videoBuckets[len(videoBuckets)-1]
}

func positiveDuration(kind models.GenerationKind, durationSeconds *int) (int, error) {
	if durationSeconds == nil {
		return 0, fmt.Errorf("%w: %s requires a duration", ErrInvalidInput, kind)
	}
	if *durationSeconds <= 0 {
		return 0, fmt.Errorf("%w: %s duration must be positive, got %d", ErrInvalidInput, kind, *durationSeconds)
	}
	if *durationSeconds > MaxDurationSeconds {
		return 0, fmt.Errorf("%w: %s duration must not exceed %ds, got %d", ErrInvalidInput, kind, MaxDurationSeconds, *durationSeconds)
	}
	return *durationSeconds, nil
}
