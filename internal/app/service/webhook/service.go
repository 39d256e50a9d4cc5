// Package webhook handles server-to-server notifications from payment gateways.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/fatflowers/billing/internal/app/service/subscription"
	"github.com/fatflowers/billing/internal/app/store"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/internal/platform/gateway"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/metrics"
	"github.com/fatflowers/billing/pkg/tool"
	"github.com/fatflowers/billing/pkg/types"
)

var Module = fx.Options(
	fx.Provide(NewService),
)

type AppleParser interface {
	Parse(signedPayload string) (*gateway.AppleNotification, error)
}

type AppleImporter interface {
	ImportAppleTransaction(ctx context.Context, transactionID string) (*models.Subscription, error)
}

type Service struct {
	parser   AppleParser
	importer AppleImporter
	store    store.Store
	metrics  *metrics.Billing
	log      *zap.SugaredLogger
}

func NewService(verifier *gateway.AppleNotificationVerifier, subs *subscription.Service, st store.Store, m *metrics.Billing, log *zap.SugaredLogger) *Service {
	return New(verifier, subs, st, m, log)
}

func New(parser AppleParser, importer AppleImporter, st store.Store, m *metrics.Billing, log *zap.SugaredLogger) *Service {
	return &Service{parser: parser, importer: importer, store: st, metrics: m, log: log}
}

// Result is what handling a notification did.
type Result struct {
	Status       models.GatewayNotificationStatus `json:"status"`
	Notification *gateway.AppleNotification       `json:"notification,omitempty"`
	Subscription *models.Subscription             `json:"subscription,omitempty"`
}

// HandleApple verifies an App Store Server Notification V2 and imports the
// transaction it refers to. Notifications without a transaction are ignored.
func (s *Service) HandleApple(ctx context.Context, signedPayload string) (res *Result, resErr error) {
	log := logctx.FromCtx(ctx, s.log)
	entry := &models.GatewayNotificationLog{
		Gateway: string(types.GatewayApple),
		TraceID: logctx.TraceID(ctx),
	}

	n, err := s.parser.Parse(signedPayload)
	if err != nil {
		log.Warnw("rejected apple notification", "error", err)
		entry.Data = rawPayload(signedPayload)
		s.finish(ctx, entry, models.GatewayNotificationStatusHandleFailed, nil, err)
		return nil, types.NewValidationError("The notification could not be verified.").WithCause(err)
	}

	entry.NotificationID = n.UUID
	entry.Type = n.Type
	entry.TransactionID = n.TransactionID
	if n.UserID != "" {
		entry.UserID = tool.Ptr(n.UserID)
	}
	if raw, err := json.Marshal(n); err == nil {
		entry.Data = raw
	}
	received := *entry
	received.Status = models.GatewayNotificationStatusReceived
	s.save(ctx, &received)

	res = &Result{Notification: n}
	defer func() {
		s.finish(ctx, entry, res.Status, res.Subscription, resErr)
	}()

	if n.TransactionID == "" {
		log.Infow("ignored apple notification", "type", n.Type, "subtype", n.Subtype, "uuid", n.UUID)
		res.Status = models.GatewayNotificationStatusIgnored
		return res, nil
	}

	sub, err := s.importer.ImportAppleTransaction(ctx, n.TransactionID)
	if err != nil {
		log.Errorw("failed to import apple transaction", "transaction_id", n.TransactionID, "type", n.Type, "error", err)
		res.Status = models.GatewayNotificationStatusHandleFailed
		return res, fmt.Errorf("failed to import apple transaction %s: %w", n.TransactionID, err)
	}
	log.Infow("handled apple notification", "type", n.Type, "transaction_id", n.TransactionID, "subscription_id", sub.ID)
	res.Status = models.GatewayNotificationStatusHandled
	res.Subscription = sub
	return res, nil
}

func (s *Service) finish(ctx context.Context, entry *models.GatewayNotificationLog, status models.GatewayNotificationStatus, sub *models.Subscription, err error) {
	out := map[string]any{}
	if sub != nil {
		out["subscription_id"] = sub.ID
	}
	if err != nil {
		out["error"] = err.Error()
	}
	if raw, mErr := json.Marshal(out); mErr == nil {
		j := datatypes.JSON(raw)
		entry.Result = &j
	}
	entry.Status = status
	s.metrics.ObserveNotification(entry.Gateway, string(status))
	s.save(ctx, entry)
}

// save persists entry in the background so a slow log write never fails the webhook.
func (s *Service) save(ctx context.Context, entry *models.GatewayNotificationLog) {
	go func(ctx context.Context) {
		if err := s.store.CreateGatewayNotificationLog(ctx, entry); err != nil {
			logctx.FromCtx(ctx, s.log).Errorw("failed to save notification log", "gateway", entry.Gateway, "error", err)
		}
	}(context.WithoutCancel(ctx))
}

func rawPayload(payload string) datatypes.JSON {
	raw, _ := json.Marshal(map[string]string{"signed_payload": payload})
	return raw
}
