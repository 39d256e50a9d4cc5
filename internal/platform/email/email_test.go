package email

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cfgpkg "github.com/fatflowers/billing/pkg/config"
)

func TestNewPostmarkSender_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  cfgpkg.EmailConfig
		want string
	}{
		{name: "missing server token", cfg: cfgpkg.EmailConfig{AccountToken: "a", From: "billing@example.com"}, want: "server_token"},
		{name: "missing account token", cfg: cfgpkg.EmailConfig{ServerToken: "s", From: "billing@example.com"}, want: "account_token"},
		{name: "missing from", cfg: cfgpkg.EmailConfig{ServerToken: "s", AccountToken: "a"}, want: "from"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewPostmarkSender(tt.cfg)
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Nil(t, s)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	s, err := NewPostmarkSender(cfgpkg.EmailConfig{ServerToken: "s", AccountToken: "a", From: "billing@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "billing@example.com", s.replyTo)
}

func TestNewSender(t *testing.T) {
	log := zap.NewNop().Sugar()

	s, err := NewSender(&cfgpkg.Config{Email: cfgpkg.EmailConfig{Provider: "log"}}, log)
	require.NoError(t, err)
	assert.IsType(t, &LogSender{}, s)

	_, err = NewSender(&cfgpkg.Config{Email: cfgpkg.EmailConfig{Provider: "smtp"}}, log)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLogSender_ValidatesMessage(t *testing.T) {
	s := NewLogSender(zap.NewNop().Sugar())
	ctx := context.Background()

	require.NoError(t, s.Send(ctx, Message{To: "a@example.com", Subject: "Receipt"}))
	require.ErrorIs(t, s.Send(ctx, Message{To: "not-an-email", Subject: "Receipt"}), ErrInvalidMessage)
	require.ErrorIs(t, s.Send(ctx, Message{To: "a@example.com"}), ErrInvalidMessage)
}
