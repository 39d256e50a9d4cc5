package subscription

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gorm.io/datatypes"

	"github.com/fatflowers/billing/internal/app/store"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/types"
)

type organizerEntry struct {
	sub     *models.Subscription
	level   int
	mutable bool
	cycle   *types.BillingCycle
}

// reorganize stacks a user's subscriptions so that no two grant the same or
// lesser access at the same time. Immutable subscriptions are placed first and
// never touched; each mutable one is moved to start when the latest
// same-or-higher level subscription placed before it ends, and that preceding
// subscription stops renewing. Subscriptions are modified in place.
func reorganize(entries []*organizerEntry, now time.Time) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.mutable != b.mutable {
			return !a.mutable
		}
		if a.level != b.level {
			return a.level > b.level
		}
		return a.sub.StartAt.Before(b.sub.StartAt)
	})

	placed := make([]*organizerEntry, 0, len(entries))
	for _, e := range entries {
		if e.mutable {
			var (
				prev    *organizerEntry
				prevEnd time.Time
			)
			for _, p := range placed {
				end := p.sub.EffectiveEndAt()
				if end == nil || end.Before(now) || p.level < e.level {
					continue
				}
				if prev == nil || end.After(prevEnd) {
					prev, prevEnd = p, *end
				}
			}
			if prev != nil {
				if prev.mutable && !prev.sub.IsEnded() {
					applyEnd(prev.sub, prev.cycle, types.EndReasonReorganization, now, false)
					prevEnd = *prev.sub.EndAt
				}
				shiftStart(e.sub, prevEnd)
			}
		}
		placed = append(placed, e)
	}
}

// shiftStart moves sub to begin at start, keeping its length. Subscriptions
// only move forward.
func shiftStart(sub *models.Subscription, start time.Time) {
	if !start.After(sub.StartAt) {
		return
	}
	delta := start.Sub(sub.StartAt)
	sub.StartAt = start
	if sub.EndAt != nil {
		end := sub.EndAt.Add(delta)
		sub.EndAt = &end
	}
	if sub.NextTransactionAt != nil {
		next := sub.NextTransactionAt.Add(delta)
		sub.NextTransactionAt = &next
	}
}

// inForce reports subscriptions the organizer still arranges: activated ones
// that grant access now or later.
func inForce(sub *models.Subscription, now time.Time) bool {
	if !sub.IsActivated() {
		return false
	}
	end := sub.EffectiveEndAt()
	return end == nil || end.After(now)
}

// ReorganizeUser rearranges the user's subscriptions, relinks their chain and
// syncs the account.
func (s *Service) ReorganizeUser(ctx context.Context, userID string) error {
	log := logctx.FromCtx(ctx, s.log).With("user_id", userID)
	now := s.now()
	subs, err := s.store.ListUserSubscriptions(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}

	befores := make(map[string]*models.Subscription, len(subs))
	var entries []*organizerEntry
	for _, sub := range subs {
		befores[sub.ID] = sub.Clone()
		if !inForce(sub, now) {
			continue
		}
		e := &organizerEntry{sub: sub, level: s.Level(sub), mutable: s.IsMutable(sub)}
		if cycle, err := s.catalog.CycleOf(sub); err == nil {
			e.cycle = cycle
		}
		entries = append(entries, e)
	}
	reorganize(entries, now)
	relink(subs, s.cfg.Billing.ChainTolerance)

	type change struct {
		before, after *models.Subscription
		reason        types.SubscriptionChangeReason
	}
	var changes []change
	for _, sub := range subs {
		before := befores[sub.ID]
		switch {
		case scheduleChanged(before, sub):
			changes = append(changes, change{before, sub, types.SubscriptionChangeReasonReorganize})
		case linksChanged(before, sub):
			changes = append(changes, change{before, sub, types.SubscriptionChangeReasonRelink})
		}
	}

	if len(changes) > 0 {
		err = s.store.WithTx(ctx, func(st store.Store) error {
			for _, c := range changes {
				if err := st.SaveSubscription(ctx, c.after); err != nil {
					return fmt.Errorf("failed to save subscription %s: %w", c.after.ID, err)
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to save reorganized subscriptions: %w", err)
		}
		for _, c := range changes {
			s.LogChange(ctx, c.before, c.after, c.reason, datatypes.JSONMap{"trigger": "reorganize"})
			if !c.before.IsEnded() && c.after.IsEnded() {
				s.metrics.ObserveEnd(string(c.after.EndReason))
			}
		}
		log.Infow("subscriptions reorganized", "changed", len(changes))
	}

	if err := s.accounts.SubscriptionsChanged(ctx, userID); err != nil {
		return fmt.Errorf("failed to sync account: %w", err)
	}
	return nil
}

func scheduleChanged(a, b *models.Subscription) bool {
	return !a.StartAt.Equal(b.StartAt) ||
		!timeEqual(a.EndAt, b.EndAt) ||
		!timeEqual(a.NextTransactionAt, b.NextTransactionAt) ||
		a.EndReason != b.EndReason ||
		a.Active != b.Active
}

func linksChanged(a, b *models.Subscription) bool {
	return !stringEqual(a.PreviousSubscriptionID, b.PreviousSubscriptionID) ||
		!stringEqual(a.NextSubscriptionID, b.NextSubscriptionID)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func stringEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
