package notifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fatflowers/billing/internal/app/store"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/internal/platform/email"
	cfgpkg "github.com/fatflowers/billing/pkg/config"
)

type recordingSender struct {
	sent []email.Message
	err  error
}

func (r *recordingSender) Send(_ context.Context, msg email.Message) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

func newTestNotifier(t *testing.T, sender email.Sender) (*Service, *store.Memory) {
	t.Helper()
	cfg := &cfgpkg.Config{
		Email:   cfgpkg.EmailConfig{SiteURL: "https://billing.example.com/"},
		Billing: cfgpkg.BillingConfig{MerchantName: "Example & Co"},
	}
	st := store.NewMemory()
	s, err := NewService(cfg, sender, st, nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	return s, st
}

func TestRender_AllTemplates(t *testing.T) {
	s, _ := newTestNotifier(t, &recordingSender{})
	for _, tpl := range allTemplates {
		t.Run(string(tpl), func(t *testing.T) {
			subject, body, err := s.Render(context.Background(), tpl, Vars{"PlanName": "Basic", "CycleName": "Monthly", "Username": "ann"})
			require.NoError(t, err)
			assert.NotEmpty(t, subject)
			assert.Contains(t, body, "https://billing.example.com")
		})
	}
}

func TestRender_SubjectIsNotEscaped(t *testing.T) {
	s, _ := newTestNotifier(t, &recordingSender{})
	subject, _, err := s.Render(context.Background(), TemplateGiftGifterRedeemed, Vars{"RecipientEmail": "o'neil@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "Your gift to o'neil@example.com was redeemed", subject)
}

func TestRender_UnknownTemplate(t *testing.T) {
	s, _ := newTestNotifier(t, &recordingSender{})
	_, _, err := s.Render(context.Background(), "welcome", nil)
	require.Error(t, err)
}

func TestRender_EscapesBody(t *testing.T) {
	s, _ := newTestNotifier(t, &recordingSender{})
	tests := []struct {
		name     string
		tpl      Template
		vars     Vars
		contains []string
		excludes []string
	}{
		{
			name:     "merchant footer",
			tpl:      TemplateCartAbandoned,
			vars:     Vars{"PlanName": "Basic"},
			contains: []string{"Example &amp; Co", `<a href="https://billing.example.com/cart">`},
			excludes: []string{"Example & Co"},
		},
		{
			name:     "gift message",
			tpl:      TemplateGiftRecipient,
			vars:     Vars{"PlanName": "Pro", "GifterEmail": "bob@example.com", "Message": "<b>enjoy</b>", "Key": "k1"},
			contains: []string{"<blockquote>&lt;b&gt;enjoy&lt;/b&gt;</blockquote>", "bob@example.com has given you", "/gift/k1"},
			excludes: []string{"<b>enjoy</b>"},
		},
		{
			name: "receipt line items",
			tpl:  TemplateSubscriptionReceipt,
			vars: Vars{
				"PlanName":      "Pro",
				"Amount":        "$90.00",
				"TransactionID": "tx-1",
				"LineItems":     []map[string]string{{"Description": "Pro & more", "Amount": "$100.00"}, {"Description": "Voucher", "Amount": "-$10.00"}},
			},
			contains: []string{"<td>Pro &amp; more</td>", "-$10.00", "<strong>$90.00</strong>", "Transaction: tx-1"},
			excludes: []string{"renews on"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, body, err := s.Render(context.Background(), tt.tpl, tt.vars)
			require.NoError(t, err)
			for _, want := range tt.contains {
				assert.Contains(t, body, want)
			}
			for _, unwanted := range tt.excludes {
				assert.NotContains(t, body, unwanted)
			}
		})
	}
}

func TestSendFromTemplate(t *testing.T) {
	sender := &recordingSender{}
	s, st := newTestNotifier(t, sender)

	ok := s.SendFromTemplate(context.Background(), TemplateUpcomingRenewal, "ann@example.com", Vars{
		"PlanName": "Basic", "CycleName": "Monthly", "Amount": "$50.00", "NextTransactionAt": FormatDate(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)),
	})
	require.True(t, ok)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "Your Basic subscription renews soon", sender.sent[0].Subject)
	assert.Contains(t, sender.sent[0].HTMLBody, "May 1, 2025")
	assert.Equal(t, string(TemplateUpcomingRenewal), sender.sent[0].Tag)

	require.Eventually(t, func() bool { return len(st.EmailLogs()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, models.EmailLogStatusSent, st.EmailLogs()[0].Status)
}

func TestSendFromTemplate_Failure(t *testing.T) {
	s, st := newTestNotifier(t, &recordingSender{err: errors.New("smtp down")})

	ok := s.SendFromTemplate(context.Background(), TemplateCartAbandoned, "ann@example.com", Vars{"PlanName": "Basic"})
	require.False(t, ok)

	require.Eventually(t, func() bool { return len(st.EmailLogs()) == 1 }, time.Second, 10*time.Millisecond)
	entry := st.EmailLogs()[0]
	assert.Equal(t, models.EmailLogStatusFailed, entry.Status)
	assert.Equal(t, "smtp down", entry.Error)
}
