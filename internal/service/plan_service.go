package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/digkill/FinBot/internal/config"
	"github.com/digkill/FinBot/internal/models"
	"github.com/digkill/FinBot/internal/repository"
)

var ErrPlanNotFound = errors.New("plan not found")

type PlanService struct {
	cfg  config.Config
	repo *repository.PlanRepository
}

type CreatePlanInput struct {
	Title           string
	Description     string
	Currency        string
	PriceMinorUnits int
	DurationMonths  int
	IsActive        *bool
}

type UpdatePlanInput struct {
	Title           *string
	Description     *string
	Currency        *string
	PriceMinorUnits *int
	DurationMonths  *int
	IsActive        *bool
}

func NewPlanService(cfg config.Config, repo *repository.PlanRepository) *PlanService {
	return &PlanService{cfg: cfg, repo: repo}
}

func (s *PlanService) EnsureDefaultPlan(ctx context.Context) error {
	plan, err := s.repo.GetDefault(ctx)
	if err != nil {
		return err
	}
	if plan != nil {
		return nil
	}
	defaultPlan := &models.Plan{
		Title:           "Премиум",
		Description:     fmt.Sprintf("Безлимитный доступ на %d мес.", s.cfg.PremiumDurationMonths),
		Currency:        s.cfg.PaymentCurrency,
		PriceMinorUnits: s.cfg.PaymentPriceMinorUnits,
		DurationMonths:  s.cfg.PremiumDurationMonths,
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
		return nil, fmt.Errorf("title is required")
	}
	if input.Currency == "" {
		input.Currency = s.cfg.PaymentCurrency
	}
	if input.PriceMinorUnits <= 0 {
		return nil, fmt.Errorf("price must be positive")
	}
	if input.DurationMonths <= 0 {
		input.DurationMonths = s.cfg.PremiumDurationMonths
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
		DurationMonths:  input.DurationMonths,
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
	if input.DurationMonths != nil && *input.DurationMonths > 0 {
		existing.DurationMonths = *input.DurationMonths
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
