package models

import (
	"encoding/json"
	"time"
)

type GenerationKind string

const (
	KindImageFromText  GenerationKind = "image-from-text"
	KindImageFromImage GenerationKind = "image-from-image"
	KindVideoFromText  GenerationKind = "video-from-text"
	KindVideoFromImage GenerationKind = "video-from-image"
	KindLipSync        GenerationKind = "lip-sync"
	KindAudioFromText  GenerationKind = "audio-from-text"
	KindImageUpscale   GenerationKind = "image-upscale"
	KindImageReimagine GenerationKind = "image-reimagine"
)

// AllKinds lists every generation kind in a stable order.
var AllKinds = []GenerationKind{
	KindImageFromText,
	KindImageFromImage,
	KindVideoFromText,
	KindVideoFromImage,
	KindLipSync,
	KindAudioFromText,
	KindImageUpscale,
	KindImageReimagine,
}

func (k GenerationKind) IsValid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Media reports the archived media family of a kind's outputs.
func (k GenerationKind) Media() MediaType {
	switch k {
	case KindVideoFromText, KindVideoFromImage, KindLipSync:
		return MediaVideo
	case KindAudioFromText:
		return MediaAudio
	default:
		return MediaImage
	}
}

type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
	MediaAudio MediaType = "audio"
)

type GenerationStatus string

const (
	StatusPending    GenerationStatus = "PENDING"
	StatusProcessing GenerationStatus = "PROCESSING"
	StatusCompleted  GenerationStatus = "COMPLETED"
	StatusFailed     GenerationStatus = "FAILED"
)

func (s GenerationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type LedgerKind string

const (
	LedgerDebit    LedgerKind = "DEBIT"
	LedgerCredit   LedgerKind = "CREDIT"
	LedgerRefund   LedgerKind = "REFUND"
	LedgerPurchase LedgerKind = "PURCHASE"
)

type User struct {
	ID         int64
	TelegramID *int64
	Username   string
	FirstName  string
	LastName   string
	Credits    int
	PlanID     *int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// LedgerEntry is one immutable credit movement. BalanceAfter is a checkpoint of the
// running sum, not an independent source of truth.
type LedgerEntry struct {
	ID           int64           `json:"id"`
	UserID       int64           `json:"user_id"`
	Amount       int             `json:"amount"`
	BalanceAfter int             `json:"balance_after"`
	Kind         LedgerKind      `json:"kind"`
	RelatedKind  GenerationKind  `json:"related_kind,omitempty"`
	Reference    string          `json:"reference,omitempty"`
	Description  string          `json:"description"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type Generation struct {
	ID             string           `json:"id"`
	UserID         int64            `json:"user_id"`
	OwnerRef       string           `json:"owner_ref,omitempty"`
	Kind           GenerationKind   `json:"kind"`
	Status         GenerationStatus `json:"status"`
	Prompt         string           `json:"prompt"`
	Provider       string           `json:"provider"`
	Model          string           `json:"model"`
	ExternalHandle string           `json:"external_handle,omitempty"`
	Cost           int              `json:"cost"`
	ResultURL      string           `json:"result_url,omitempty"`
	ResultURLs     []string         `json:"result_urls"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	Metadata       json.RawMessage  `json:"metadata,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

type ArchivedAsset struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	GenerationID string    `json:"generation_id"`
	Title        string    `json:"title"`
	Prompt       string    `json:"prompt"`
	OriginalURL  string    `json:"original_url"`
	URLHash      string    `json:"-"`
	LocalPath    string    `json:"local_path"`
	FileName     string    `json:"file_name"`
	FileSize     int64     `json:"file_size"`
	Width        *int      `json:"width,omitempty"`
	Height       *int      `json:"height,omitempty"`
	Duration     *float64  `json:"duration,omitempty"`
	MimeType     string    `json:"mime_type"`
	CreatedAt    time.Time `json:"created_at"`
}

type PlanInterval string

const (
	IntervalOneTime PlanInterval = "one_time"
	IntervalMonthly PlanInterval = "monthly"
	IntervalYearly  PlanInterval = "yearly"
)

type Plan struct {
	ID              int64        `json:"id"`
	Title           string       `json:"title"`
	Description     string       `json:"description"`
	Currency        string       `json:"currency"`
	PriceMinorUnits int          `json:"price_minor_units"`
	Credits         int          `json:"credits"`
	Interval        PlanInterval `json:"interval"`
	IsActive        bool         `json:"is_active"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// PaymentPaid is the terminal payment status; a paid charge is never rewritten.
const PaymentPaid = "paid"

type Payment struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	PlanID         *int64    `json:"plan_id,omitempty"`
	Provider       string    `json:"provider"`
	ProviderCharge string    `json:"provider_charge"`
	Currency       string    `json:"currency"`
	Amount         int       `json:"amount"`
	Status         string    `json:"status"`
	RawPayload     string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type PromoCode struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	MaxUses   int       `json:"max_uses"`
	Uses      int       `json:"uses"`
	Credits   int       `json:"credits"`
	CreatedAt time.Time `json:"created_at"`
}
