package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/digkill/genstudio/internal/config"
	"github.com/digkill/genstudio/internal/models"
)

var ErrPlanNotFound = errors.New("plan not found")

type PlanStore interface {
	List(ctx context.Context) ([]models.Plan, error)
	GetDefault(ctx context.Context) (*models.Plan, error)
	GetByID(ctx context.Context, id int64) (*models.Plan, error)
	Create(ctx context.Context, plan *models.Plan) (*models.Plan, error)
	Update(ctx context.Context, plan *models.Plan) (*models.Plan, error)
	Delete(ctx context.Context, id int64) error
}

type PlanService struct {
	cfg  config.Config
	repo PlanStore
}

type CreatePlanInput struct {
	Title           string              `json:"title"`
	Description     string              `json:"description"`
	Currency        string              `json:"currency"`
	PriceMinorUnits int                 `json:"price_minor_units"`
	Credits         int                 `json:"credits"`
	Interval        models.PlanInterval `json:"interval"`
	IsActive        *bool               `json:"is_active"`
}

type UpdatePlanInput struct {
	Title           *string              `json:"title"`
	Description     *string              `json:"description"`
	Currency        *string              `json:"currency"`
	PriceMinorUnits *int                 `json:"price_minor_units"`
	Credits         *int                 `json:"credits"`
	Interval        *models.PlanInterval `json:"interval"`
	IsActive        *bool                `json:"is_active"`
}

func NewPlanService(cfg config.Config, repo PlanStore) *PlanService {
	return &PlanService{cfg: cfg, repo: repo}
}

// EnsureDefaultPlan seeds a one-time credit pack when no active plan exists.
func (s *PlanService) EnsureDefaultPlan(ctx context.Context) error {
	plan, err := s.repo.GetDefault(ctx)
	if err != nil {
		return err
	}
	if plan != nil {
		return nil
	}
	defaultPlan := &models.Plan{
		Title:           "Credit pack",
		Description:     "One-time pack of generation credits",
		Currency:        s.cfg.PaymentCurrency,
		PriceMinorUnits: s.cfg.PaymentPriceMinorUnits,
		Credits:         s.cfg.PaymentCreditsPerPack,
		Interval:        models.IntervalOneTime,
		IsActive:        true,
	}
	if _, err := s.repo.Create(ctx, defaultPlan); err != nil {
		return fmt.Errorf("create default plan: %w", err)
	}
	return nil
}

func (s *PlanService) List(ctx context.Context) ([]models.Plan, error) {
	return s.repo.List(ctx)
}

func (s *PlanService) Create(ctx context.Context, input CreatePlanInput) (*models.Plan, error) {
	if input.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if input.Currency == "" {
		input.Currency = s.cfg.PaymentCurrency
	}
	if input.PriceMinorUnits <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidInput)
	}
	if input.Credits <= 0 {
		return nil, fmt.Errorf("%w: credits must be positive", ErrInvalidInput)
	}
	if input.Interval == "" {
		input.Interval = models.IntervalOneTime
	}
	if !validInterval(input.Interval) {
		return nil, fmt.Errorf("%w: unknown interval %q", ErrInvalidInput, input.Interval)
	}
	isActive := true
	if input.IsActive != nil {
		isActive = *input.IsActive
	}
	plan := models.Plan{
		Title:           input.Title,
		Description:     input.Description,
		Currency:        input.Currency,
		PriceMinorUnits: input.PriceMinorUnits,
		Credits:         input.Credits,
		Interval:        input.Interval,
		IsActive:        isActive,
	}
	return s.repo.Create(ctx, &plan)
}

func (s *PlanService) Update(ctx context.Context, id int64, input UpdatePlanInput) (*models.Plan, error) {
	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrPlanNotFound
	}
	if input.Title != nil {
		existing.Title = *input.Title
	}
	if input.Description != nil {
		existing.Description = *input.Description
	}
	if input.Currency != nil && *input.Currency != "" {
		existing.Currency = *input.Currency
	}
	if input.PriceMinorUnits != nil && *input.PriceMinorUnits > 0 {
		existing.PriceMinorUnits = *input.PriceMinorUnits
	}
	if input.Credits != nil && *input.Credits > 0 {
		existing.Credits = *input.Credits
	}
	if input.Interval != nil {
		if !validInterval(*input.Interval) {
			return nil, fmt.Errorf("%w: unknown interval %q", ErrInvalidInput, *input.Interval)
		}
		existing.Interval = *input.Interval
	}
	if input.IsActive != nil {
		existing.IsActive = *input.IsActive
	}
	return s.repo.Update(ctx, existing)
}

func (s *PlanService) Delete(ctx context.Context, id int64) error {
	return s.repo.Delete(ctx, id)
}

func (s *PlanService) GetDefault(ctx context.Context) (*models.Plan, error) {
	return s.repo.GetDefault(ctx)
}

func (s *PlanService) GetByID(ctx context.Context, id int64) (*models.Plan, error) {
	return s.repo.GetByID(ctx, id)
}

func validInterval(i models.PlanInterval) bool {
	switch i {
	case models.IntervalOneTime, models.IntervalMonthly, models.IntervalYearly:
		return true
	}
	return false
}
