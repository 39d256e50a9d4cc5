// Package notifier renders template emails, sends them and keeps an EmailLog row per attempt.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/a-h/templ"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/billing/internal/app/store"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/internal/platform/email"
	cfgpkg "github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/metrics"
	"github.com/fatflowers/billing/pkg/tool"
)

type Template string

const (
	TemplateCartAbandoned         Template = "cart_abandoned"
	TemplateSubscriptionReceipt   Template = "subscription_receipt"
	TemplatePaymentFailed         Template = "subscription_payment_failed"
	TemplatePaymentFailedFinal    Template = "subscription_payment_failed_final"
	TemplateUpcomingRenewal       Template = "subscription_upcoming_renewal"
	TemplateGiftRecipient         Template = "gift_recipient"
	TemplateGiftGifterRedeemed    Template = "gift_gifter_redeemed"
	TemplateGiftRecipientRedeemed Template = "gift_recipient_redeemed"
	TemplateGiftComplimentary     Template = "gift_complimentary"
)

var allTemplates = []Template{
	TemplateCartAbandoned,
	TemplateSubscriptionReceipt,
	TemplatePaymentFailed,
	TemplatePaymentFailedFinal,
	TemplateUpcomingRenewal,
	TemplateGiftRecipient,
	TemplateGiftGifterRedeemed,
	TemplateGiftRecipientRedeemed,
	TemplateGiftComplimentary,
}

// Vars are the template variables. SiteURL and MerchantName are always set.
type Vars map[string]any

var Module = fx.Options(
	fx.Provide(NewService),
)

type Service struct {
	sender   email.Sender
	store    store.Store
	metrics  *metrics.Billing
	log      *zap.SugaredLogger
	siteURL  string
	merchant string
	now      func() time.Time
}

func NewService(cfg *cfgpkg.Config, sender email.Sender, st store.Store, m *metrics.Billing, log *zap.SugaredLogger) (*Service, error) {
	for _, name := range allTemplates {
		if _, ok := messages[name]; !ok {
			return nil, fmt.Errorf("email template %s is not defined", name)
		}
	}
	return &Service{
		sender:   sender,
		store:    st,
		metrics:  m,
		log:      log,
		siteURL:  strings.TrimRight(cfg.Email.SiteURL, "/"),
		merchant: cfg.Billing.MerchantName,
		now:      time.Now,
	}, nil
}

// Render returns the plain-text subject and HTML body of tpl.
func (s *Service) Render(ctx context.Context, tpl Template, vars Vars) (string, string, error) {
	e, ok := messages[tpl]
	if !ok {
		return "", "", fmt.Errorf("unknown email template %s", tpl)
	}
	data := Vars{"SiteURL": s.siteURL, "MerchantName": s.merchant}
	for k, v := range vars {
		data[k] = v
	}
	body, err := Render(templ.WithChildren(ctx, e.body(data)), layout(s.siteURL, s.merchant))
	if err != nil {
		return "", "", fmt.Errorf("failed to render body of %s: %w", tpl, err)
	}
	return strings.TrimSpace(e.subject(data)), body, nil
}

// SendFromTemplate renders and sends tpl to one recipient and reports whether
// delivery succeeded. Failures are logged and recorded, never returned.
func (s *Service) SendFromTemplate(ctx context.Context, tpl Template, to string, vars Vars) bool {
	log := logctx.FromCtx(ctx, s.log)
	entry := &models.EmailLog{
		ID:        tool.GenerateUUIDV7(),
		Template:  string(tpl),
		Recipient: to,
		TraceID:   logctx.TraceID(ctx),
		Status:    models.EmailLogStatusSent,
		CreatedAt: s.now(),
	}
	if raw, err := json.Marshal(vars); err == nil {
		entry.Variables = raw
	}

	subject, body, err := s.Render(ctx, tpl, vars)
	if err == nil {
		entry.Subject = subject
		err = s.sender.Send(ctx, email.Message{To: to, Subject: subject, HTMLBody: body, Tag: string(tpl)})
	}
	if err != nil {
		entry.Status = models.EmailLogStatusFailed
		entry.Error = err.Error()
		log.Errorw("failed to send email", "template", tpl, "to", to, "error", err)
	} else {
		log.Infow("email sent", "template", tpl, "to", to)
	}
	s.metrics.ObserveEmail(string(tpl), string(entry.Status))

	go func(ctx context.Context) {
		if err := s.store.CreateEmailLog(ctx, entry); err != nil {
			logctx.FromCtx(ctx, s.log).Errorw("failed to save email log", "template", tpl, "error", err)
		}
	}(context.WithoutCancel(ctx))

	return err == nil
}

// FormatDate is the date layout used in email bodies.
func FormatDate(t time.Time) string {
	return t.UTC().Format("January 2, 2006")
}
