package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"psamonitor/config"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const pollTimeout = 30 * time.Second

// CommandHandler answers one inbound chat message.
type CommandHandler interface {
	Handle(ctx context.Context, chatID int64, username, text string) string
}

// TelegramService is the chat transport: rate limited sends and long polling
type TelegramService struct {
	bot     *tgbotapi.BotAPI
	sender  *tgbotapi.BotAPI
	limiter *rate.Limiter
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func NewTelegramService(cfg *config.Config, logger *zap.Logger) (*TelegramService, error) {
	return newTelegramService(cfg, tgbotapi.APIEndpoint, logger)
}

func newTelegramService(cfg *config.Config, endpoint string, logger *zap.Logger) (*TelegramService, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.TelegramBotToken, endpoint, &http.Client{Timeout: pollTimeout + 30*time.Second})
	if err != nil {
		return nil, fmt.Errorf("error creating telegram bot: %w", err)
	}

	logger.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))

	// Sends abort at the HTTP layer once the delivery timeout expires.
	sender := *bot
	sender.Client = &http.Client{Timeout: cfg.DeliveryTimeout}

	limit := rate.Limit(cfg.TelegramRateLimit)
	if cfg.TelegramRateLimit <= 0 {
		limit = rate.Inf
	}
	ts := &TelegramService{
		bot:     bot,
		sender:  &sender,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}

	if err := ts.testConnection(); err != nil {
		logger.Error("Telegram connection test failed", zap.Error(err))
		return nil, fmt.Errorf("telegram connection test failed: %w", err)
	}

	return ts, nil
}

// testConnection tests Telegram connection with retry logic
func (ts *TelegramService) testConnection() error {
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		_, err := ts.bot.GetMe()
		if err == nil {
			ts.logger.Info("Telegram connection successful")
			return nil
		}

		ts.logger.Warn("Telegram connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to connect to Telegram after %d attempts", maxRetries)
}

// Send delivers an HTML message. The request is bounded by the delivery
// timeout of the sending client; ctx only gates the rate limiter.
func (ts *TelegramService) Send(ctx context.Context, chatID int64, text string) error {
	if err := ts.limiter.Wait(ctx); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	_, err := ts.sender.Send(msg)
	return classifyTelegramError(err)
}

// classifyTelegramError marks errors no retry should touch: blocked bot,
// unknown chat, a malformed message, or a request that timed out after it may
// already have been delivered.
func classifyTelegramError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusForbidden || apiErr.Code == http.StatusBadRequest) {
		return fmt.Errorf("%w: %v", ErrPermanentDelivery, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: delivery outcome unknown: %v", ErrPermanentDelivery, err)
	}
	return fmt.Errorf("error sending telegram message: %w", err)
}

// Listen long-polls updates and answers each message with handler until ctx
// is cancelled. Messages are handled concurrently.
func (ts *TelegramService) Listen(ctx context.Context, handler CommandHandler) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(pollTimeout / time.Second)
	updates := ts.bot.GetUpdatesChan(u)

	ts.logger.Info("Listening for bot commands")
	for {
		select {
		case <-ctx.Done():
			ts.bot.StopReceivingUpdates()
			ts.wg.Wait()
			ts.logger.Info("Bot listener stopped")
			return
		case update, ok := <-updates:
			if !ok {
				ts.wg.Wait()
				return
			}
			if update.Message == nil || update.Message.Chat == nil {
				continue
			}
			ts.wg.Add(1)
			go ts.handleMessage(ctx, handler, update.Message)
		}
	}
}

func (ts *TelegramService) handleMessage(ctx context.Context, handler CommandHandler, m *tgbotapi.Message) {
	defer ts.wg.Done()

	username := ""
	if m.From != nil {
		username = m.From.UserName
	}
	reply := handler.Handle(ctx, m.Chat.ID, username, m.Text)
	if reply == "" {
		return
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := ts.Send(sendCtx, m.Chat.ID, reply); err != nil {
		ts.logger.Warn("Failed to send bot reply", zap.Int64("chat_id", m.Chat.ID), zap.Error(err))
	}
}

// SendStartupMessage tells the seed admin the service is up.
func (ts *TelegramService) SendStartupMessage(ctx context.Context, chatID int64) error {
	message := "🟢 <b>Monitoreo de plantas PSA iniciado</b>\n\n" +
		"🤖 Notificaciones de Telegram activas\n" +
		"👀 Evaluando telemetría de plantas..."
	return ts.Send(ctx, chatID, message)
}
