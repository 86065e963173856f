package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"psamonitor/models"
	"psamonitor/store"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClassifyTelegramError(t *testing.T) {
	assert.NoError(t, classifyTelegramError(nil))

	blocked := &tgbotapi.Error{Code: http.StatusForbidden, Message: "Forbidden: bot was blocked by the user"}
	assert.ErrorIs(t, classifyTelegramError(blocked), ErrPermanentDelivery)

	badRequest := &tgbotapi.Error{Code: http.StatusBadRequest, Message: "Bad Request: chat not found"}
	assert.ErrorIs(t, classifyTelegramError(badRequest), ErrPermanentDelivery)

	tooMany := &tgbotapi.Error{Code: http.StatusTooManyRequests, Message: "Too Many Requests"}
	assert.NotErrorIs(t, classifyTelegramError(tooMany), ErrPermanentDelivery)

	assert.NotErrorIs(t, classifyTelegramError(errors.New("connection reset by peer")), ErrPermanentDelivery)
}

// fakeBotAPI answers getMe and sendMessage, holding sendMessage for delay.
type fakeBotAPI struct {
	delay time.Duration
	sends atomic.Int32
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"psa","username":"psa_bot"}}`))
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		f.sends.Add(1)
		select {
		case <-time.After(f.delay):
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":7,"type":"private"}}}`))
	default:
		http.NotFound(w, r)
	}
}

func newTestTelegramService(t *testing.T, api *fakeBotAPI, deliveryTimeout time.Duration) *TelegramService {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.TelegramBotToken = "123:abc"
	cfg.DeliveryTimeout = deliveryTimeout
	ts, err := newTelegramService(cfg, srv.URL+"/bot%s/%s", zap.NewNop())
	require.NoError(t, err)
	return ts
}

func TestTelegramSend(t *testing.T) {
	api := &fakeBotAPI{}
	ts := newTestTelegramService(t, api, time.Second)

	require.NoError(t, ts.Send(context.Background(), 7, "<b>hola</b>"))
	assert.EqualValues(t, 1, api.sends.Load())
}

func TestTelegramSend_TimeoutIsNotRetried(t *testing.T) {
	api := &fakeBotAPI{delay: 300 * time.Millisecond}
	ts := newTestTelegramService(t, api, 50*time.Millisecond)

	err := ts.Send(context.Background(), 7, "hola")
	require.ErrorIs(t, err, ErrPermanentDelivery)
	assert.EqualValues(t, 1, api.sends.Load())

	cfg := testConfig()
	cfg.DeliveryTimeout = 50 * time.Millisecond
	st := store.NewMemoryStore()
	d := NewNotificationDispatcher(cfg, ts, operators(7), st, NewMemorySuppressor(cfg.SuppressionWindow), zap.NewNop()).
		WithClock(newFakeClock(testEpoch))

	require.NoError(t, d.Notify(context.Background(), alarmEvent("e1", models.LevelNormal, models.LevelCritical)))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Drain(ctx))

	assert.EqualValues(t, 2, api.sends.Load(), "the timed out send must not be repeated")
	failures := st.DeliveryFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, 1, failures[0].Attempts)
	assert.Contains(t, failures[0].LastError, "outcome unknown")
}
