package voucher

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/billing/internal/app/service/catalog"
	"github.com/fatflowers/billing/internal/app/store"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/tool"
	"github.com/fatflowers/billing/pkg/types"
)

var Module = fx.Options(
	fx.Provide(NewService),
)

type Service struct {
	store    store.Store
	catalog  *catalog.Service
	validate *validator.Validate
	log      *zap.SugaredLogger
}

func NewService(st store.Store, cat *catalog.Service, log *zap.SugaredLogger) *Service {
	// same tags gin binds requests with, so direct callers get the same checks
	v := validator.New()
	v.SetTagName("binding")
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return &Service{store: st, catalog: cat, validate: v, log: log}
}

// NormalizeCode is the stored form of a voucher code. Codes match case-insensitively.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// GetActiveFromCode returns the voucher with code if it is valid at now, or nil.
func (s *Service) GetActiveFromCode(ctx context.Context, code string, now time.Time) (*models.VoucherCode, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, nil
	}
	v, err := s.store.GetVoucherCodeByCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get voucher code: %w", err)
	}
	if !v.IsValidAt(now) {
		return nil, nil
	}
	return v, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.VoucherCode, error) {
	v, err := s.store.GetVoucherCode(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get voucher code %s: %w", id, err)
	}
	return v, nil
}

type CreateRequest struct {
	Name               string    `json:"name" binding:"required"`
	Code               string    `json:"code" binding:"required,max=64"`
	DiscountPercentage int       `json:"discount_percentage" binding:"required,min=1,max=99"`
	StartAt            time.Time `json:"start_at" binding:"required"`
	EndAt              time.Time `json:"end_at" binding:"required"`
	NumTransactions    int       `json:"num_transactions" binding:"min=0"`
	PlanKeys           []string  `json:"plan_keys" binding:"required,min=1,dive,required"`
}

func (s *Service) Create(ctx context.Context, req *CreateRequest) (*models.VoucherCode, error) {
	code := NormalizeCode(req.Code)
	req.Code = code

	verr := types.NewValidationError(s.fieldErrors(req)...)
	if !req.EndAt.After(req.StartAt) {
		verr.Add("Voucher end must be after its start.")
	}
	for _, key := range req.PlanKeys {
		if _, err := s.catalog.Plan(key); key != "" && err != nil {
			verr.Add(fmt.Sprintf("Unknown plan %q.", key))
		}
	}
	if code != "" {
		_, err := s.store.GetVoucherCodeByCode(ctx, code)
		switch {
		case err == nil:
			verr.Add(fmt.Sprintf("Voucher code %q already exists.", code))
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("failed to check voucher code: %w", err)
		}
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	v := &models.VoucherCode{
		ID:                 tool.GenerateUUIDV7(),
		Name:               req.Name,
		Code:               code,
		DiscountPercentage: req.DiscountPercentage,
		StartAt:            req.StartAt,
		EndAt:              req.EndAt,
		NumTransactions:    req.NumTransactions,
		PlanKeys:           strings.Join(req.PlanKeys, ","),
	}
	if err := s.store.CreateVoucherCode(ctx, v); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, types.NewValidationError(fmt.Sprintf("Voucher code %q already exists.", code)).WithCause(err)
		}
		return nil, fmt.Errorf("failed to create voucher code: %w", err)
	}
	logctx.FromCtx(ctx, s.log).Infow("voucher code created", "voucher_id", v.ID, "code", v.Code, "discount", v.DiscountPercentage)
	return v, nil
}

// fieldErrors renders the binding tag failures of req as user facing messages.
func (s *Service) fieldErrors(req *CreateRequest) []string {
	err := s.validate.Struct(req)
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return nil
	}
	msgs := make([]string, 0, len(fields))
	for _, fe := range fields {
		name := strings.ReplaceAll(fe.Field(), "_", " ")
		name = strings.ToUpper(name[:1]) + name[1:]
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required.", name))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s.", name, fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s.", name, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid.", name))
		}
	}
	return msgs
}
