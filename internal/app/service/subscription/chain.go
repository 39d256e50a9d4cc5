package subscription

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/tool"
)

// relink stores the chain of a user's subscriptions: consecutive activated
// subscriptions whose end and start lie within tolerance of each other are
// linked as previous/next.
func relink(subs []*models.Subscription, tolerance time.Duration) {
	var linked []*models.Subscription
	for _, sub := range subs {
		sub.PreviousSubscriptionID, sub.NextSubscriptionID = nil, nil
		if sub.IsActivated() {
			linked = append(linked, sub)
		}
	}
	sort.SliceStable(linked, func(i, j int) bool {
		if !linked[i].StartAt.Equal(linked[j].StartAt) {
			return linked[i].StartAt.Before(linked[j].StartAt)
		}
		return linked[i].ID < linked[j].ID
	})

	for i := 1; i < len(linked); i++ {
		prev, cur := linked[i-1], linked[i]
		end := prev.EffectiveEndAt()
		if end == nil {
			continue
		}
		gap := cur.StartAt.Sub(*end)
		if gap < 0 {
			gap = -gap
		}
		if gap <= tolerance {
			prev.NextSubscriptionID = tool.Ptr(cur.ID)
			cur.PreviousSubscriptionID = tool.Ptr(prev.ID)
		}
	}
}

// ChainStart walks back to the first subscription of sub's continuous access period.
func (s *Service) ChainStart(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	return s.walkChain(ctx, sub, func(cur *models.Subscription) *string { return cur.PreviousSubscriptionID })
}

// ChainEnd walks forward to the last subscription of sub's continuous access period.
func (s *Service) ChainEnd(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	return s.walkChain(ctx, sub, func(cur *models.Subscription) *string { return cur.NextSubscriptionID })
}

func (s *Service) walkChain(ctx context.Context, sub *models.Subscription, step func(*models.Subscription) *string) (*models.Subscription, error) {
	seen := map[string]bool{sub.ID: true}
	cur := sub
	for {
		id := step(cur)
		if id == nil || seen[*id] {
			return cur, nil
		}
		next, err := s.store.GetSubscription(ctx, *id)
		if err != nil {
			return nil, fmt.Errorf("failed to follow subscription chain at %s: %w", *id, err)
		}
		seen[next.ID] = true
		cur = next
	}
}
