package cart

import (
	"context"
	"fmt"
	"time"

	"github.com/fatflowers/billing/internal/app/service/notifier"
	"github.com/fatflowers/billing/pkg/logctx"
)

const defaultReminderAfter = 24 * time.Hour

// SendAbandonedCartReminders emails users once about a selected but unpaid cart.
func (s *Service) SendAbandonedCartReminders(ctx context.Context) (int, error) {
	log := logctx.FromCtx(ctx, s.log)
	after := s.cfg.Billing.CartReminderAfter
	if after <= 0 {
		after = defaultReminderAfter
	}
	carts, err := s.store.ListAbandonedCarts(ctx, s.subs.Now().Add(-after))
	if err != nil {
		return 0, fmt.Errorf("failed to list abandoned carts: %w", err)
	}

	sent := 0
	for _, cart := range carts {
		if !cart.HasSelection() {
			continue
		}
		acc, err := s.accounts.Get(ctx, cart.UserID)
		if err != nil {
			log.Warnw("skipping cart reminder", "cart_id", cart.ID, "user_id", cart.UserID, "error", err)
			continue
		}
		plan, err := s.catalog.PlanOf(cart)
		if err != nil {
			continue
		}
		cycle, err := s.catalog.CycleOf(cart)
		if err != nil {
			continue
		}
		ok := s.notifier.SendFromTemplate(ctx, notifier.TemplateCartAbandoned, acc.Email, notifier.Vars{
			"Username":  acc.Username,
			"PlanName":  plan.Name,
			"CycleName": cycle.Name,
		})
		if !ok {
			continue
		}
		// saved directly so the reminder does not count as cart activity
		cart.EmailedReminder = true
		if err := s.store.SaveCart(ctx, cart); err != nil {
			return sent, fmt.Errorf("failed to save cart %s: %w", cart.ID, err)
		}
		sent++
	}
	log.Infow("abandoned cart reminders sent", "count", sent)
	return sent, nil
}
