package sender

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/blackbook-billing/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/blackbook-billing/internal/models"
)

type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) SendMessage(ctx context.Context, chatID int64, text string) error {
	return m.Called(ctx, chatID, text).Error(0)
}

type MockMetrics struct {
	mock.Mock
}

func (m *MockMetrics) ObserveNotification(event string, err error) {
	m.Called(event, err)
}

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func mustJSON(t *testing.T, v any) []byte {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestRender(t *testing.T) {
	until := time.Date(2026, 5, 10, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		n        models.Notification
		contains []string
		wantErr  bool
	}{
		{
			name:     "paid activation",
			n:        models.Notification{Event: models.EventSubscriptionActivated, TelegramID: 555, Tier: models.Tier3, Days: 3, Amount: 300, Reference: "BB_555_3_abc", Until: &until},
			contains: []string{"Subscription Activated", "Bronze", "3 days", "300 KES", "10 May 2026 09:30 UTC", "`BB_555_3_abc`"},
		},
		{
			name:     "trial activation",
			n:        models.Notification{Event: models.EventSubscriptionActivated, TelegramID: 555, Tier: models.TierTrial, Until: &until},
			contains: []string{"Free Trial Activated", "10 May 2026"},
		},
		{
			name:     "boost",
			n:        models.Notification{Event: models.EventBoostActivated, TelegramID: 555, Hours: 12, Reference: "BST_555_0_x", Until: &until},
			contains: []string{"Boost Activated", "12 hours"},
		},
		{
			name:     "day2 reminder",
			n:        models.Notification{Event: models.EventTrialReminder, TelegramID: 555, Milestone: "day2"},
			contains: []string{"Day-2"},
		},
		{
			name:     "day5 reminder",
			n:        models.Notification{Event: models.EventTrialReminder, TelegramID: 555, Milestone: "day5"},
			contains: []string{"nearing its end"},
		},
		{
			name:     "last day reminder",
			n:        models.Notification{Event: models.EventTrialReminder, TelegramID: 555, Milestone: "lastday", Hours: 5, Until: &until},
			contains: []string{"Trial Ending Soon", "about 5 hours"},
		},
		{
			name:     "trial expired",
			n:        models.Notification{Event: models.EventTrialExpired, TelegramID: 555},
			contains: []string{"Free Trial Ended"},
		},
		{
			name:     "subscription expired",
			n:        models.Notification{Event: models.EventSubscriptionExpired, TelegramID: 555, Tier: models.Tier90},
			contains: []string{"Subscription Expired", "Platinum", "n/a"},
		},
		{
			name:     "trial winback",
			n:        models.Notification{Event: models.EventTrialWinback, TelegramID: 555, Milestone: "winback"},
			contains: []string{"We Miss You", "Top up Balance"},
		},
		{
			name:     "admin alert",
			n:        models.Notification{Event: models.EventAdminAlert, TelegramID: 9001, Reference: "BB_555_3_abc", Message: "activation transaction failed: connection reset"},
			contains: []string{"Billing Alert", "`BB_555_3_abc`", "connection reset"},
		},
		{name: "unknown milestone", n: models.Notification{Event: models.EventTrialReminder, TelegramID: 555, Milestone: "day9"}, wantErr: true},
		{name: "unknown event", n: models.Notification{Event: "refund", TelegramID: 555}, wantErr: true},
		{name: "missing recipient", n: models.Notification{Event: models.EventTrialExpired}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, err := Render(tt.n)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownEvent)
				return
			}
			require.NoError(t, err)
			for _, s := range tt.contains {
				assert.Contains(t, text, s)
			}
		})
	}
}

func TestHandle_Sends(t *testing.T) {
	transport := new(MockTransport)
	metrics := new(MockMetrics)
	svc := NewSenderService(newNoopLogger(), transport, metrics)

	transport.On("SendMessage", mock.Anything, int64(555), mock.MatchedBy(func(text string) bool {
		return len(text) > 0
	})).Return(nil).Once()
	metrics.On("ObserveNotification", models.EventTrialExpired, nil).Once()

	err := svc.Handle(context.Background(), mustJSON(t, models.Notification{Event: models.EventTrialExpired, TelegramID: 555}))
	require.NoError(t, err)

	transport.AssertExpectations(t)
	metrics.AssertExpectations(t)
}

func TestHandle_MalformedJSONIsPermanent(t *testing.T) {
	transport := new(MockTransport)
	svc := NewSenderService(newNoopLogger(), transport, nil)

	err := svc.Handle(context.Background(), []byte("{not json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, rabbitmq.ErrPermanent)
	transport.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandle_UnknownEventIsPermanent(t *testing.T) {
	svc := NewSenderService(newNoopLogger(), new(MockTransport), nil)

	err := svc.Handle(context.Background(), mustJSON(t, models.Notification{Event: "refund", TelegramID: 1}))
	assert.ErrorIs(t, err, rabbitmq.ErrPermanent)
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestHandle_TransportErrors(t *testing.T) {
	body := mustJSON(t, models.Notification{Event: models.EventTrialExpired, TelegramID: 555})

	t.Run("temporary error is retried", func(t *testing.T) {
		transport := new(MockTransport)
		transport.On("SendMessage", mock.Anything, int64(555), mock.Anything).Return(errors.New("timeout"))

		err := NewSenderService(newNoopLogger(), transport, nil).Handle(context.Background(), body)
		require.Error(t, err)
		assert.NotErrorIs(t, err, rabbitmq.ErrPermanent)
	})

	t.Run("blocked bot is dropped", func(t *testing.T) {
		transport := new(MockTransport)
		transport.On("SendMessage", mock.Anything, int64(555), mock.Anything).
			Return(&tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"})

		err := NewSenderService(newNoopLogger(), transport, nil).Handle(context.Background(), body)
		assert.ErrorIs(t, err, rabbitmq.ErrPermanent)
	})
}

func TestHandler_AppliesTimeout(t *testing.T) {
	transport := new(MockTransport)
	transport.On("SendMessage", mock.MatchedBy(func(ctx context.Context) bool {
		_, ok := ctx.Deadline()
		return ok
	}), int64(555), mock.Anything).Return(nil).Once()

	svc := NewSenderService(newNoopLogger(), transport, nil)
	err := svc.Handler(context.Background())(mustJSON(t, models.Notification{Event: models.EventTrialExpired, TelegramID: 555}))
	require.NoError(t, err)
	transport.AssertExpectations(t)
}
