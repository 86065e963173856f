package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"psamonitor/config"
	"psamonitor/metrics"
	"psamonitor/models"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrPermanentDelivery marks sender errors that retrying cannot fix, such as
// a user who blocked the bot.
var ErrPermanentDelivery = errors.New("permanent delivery failure")

// Sender delivers a formatted message to one chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// RecipientSource lists the identities that must receive a plant's alarms.
type RecipientSource interface {
	Recipients(ctx context.Context, plantID string) ([]*models.ChatIdentity, error)
}

type DispatcherStore interface {
	GetPlant(ctx context.Context, plantID string) (*models.Plant, error)
	RecordDeliveryFailure(ctx context.Context, failure *models.DeliveryFailure) error
}

// NotificationDispatcher fans alarm events out to subscribed chats
type NotificationDispatcher struct {
	sender       Sender
	recipients   RecipientSource
	store        DispatcherStore
	suppressor   Suppressor
	logger       *zap.Logger
	clock        Clock
	location     *time.Location
	maxAttempts  int
	baseDelay    time.Duration
	maxDelay     time.Duration
	timeout      time.Duration
	storeTimeout time.Duration
	sem          *semaphore.Weighted

	queue  chan *models.AlarmEvent
	stop   chan struct{}
	runCtx context.Context
	abort  context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewNotificationDispatcher(cfg *config.Config, sender Sender, recipients RecipientSource, st DispatcherStore, suppressor Suppressor, logger *zap.Logger) *NotificationDispatcher {
	runCtx, abort := context.WithCancel(context.Background())
	return &NotificationDispatcher{
		sender:       sender,
		recipients:   recipients,
		store:        st,
		suppressor:   suppressor,
		logger:       logger,
		clock:        systemClock{},
		location:     loadLocation(cfg.Timezone, logger),
		maxAttempts:  cfg.MaxRetryAttempts,
		baseDelay:    cfg.RetryBaseDelay,
		maxDelay:     cfg.RetryMaxDelay,
		timeout:      cfg.DeliveryTimeout,
		storeTimeout: cfg.StoreTimeout,
		sem:          semaphore.NewWeighted(int64(max(cfg.DispatchConcurrency, 1))),
		queue:        make(chan *models.AlarmEvent, 256),
		stop:         make(chan struct{}),
		runCtx:       runCtx,
		abort:        abort,
	}
}

// WithClock overrides the clock used for suppression windows.
func (d *NotificationDispatcher) WithClock(clock Clock) *NotificationDispatcher {
	d.clock = clock
	return d
}

// Start consumes published events in order until Drain completes.
func (d *NotificationDispatcher) Start() {
	d.logger.Info("Notification dispatcher started",
		zap.Int("max_attempts", d.maxAttempts),
		zap.Duration("delivery_timeout", d.timeout))
	for {
		select {
		case event := <-d.queue:
			if err := d.Notify(d.runCtx, event); err != nil {
				d.logger.Warn("Notification dropped", zap.String("event_id", event.ID), zap.Error(err))
			}
			d.wg.Done()
		case <-d.stop:
			return
		}
	}
}

// Publish queues an event without blocking the evaluator.
func (d *NotificationDispatcher) Publish(_ context.Context, event *models.AlarmEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("Dispatcher closed, event not notified", zap.String("event_id", event.ID))
		return
	}
	d.wg.Add(1)
	select {
	case d.queue <- event:
	default:
		d.logger.Warn("Dispatcher queue full, notifying out of band", zap.String("event_id", event.ID))
		go func() {
			defer d.wg.Done()
			if err := d.Notify(d.runCtx, event); err != nil {
				d.logger.Warn("Notification dropped", zap.String("event_id", event.ID), zap.Error(err))
			}
		}()
	}
}

// Notify applies suppression and starts one delivery per recipient. It
// returns once deliveries are scheduled, not when they finish.
func (d *NotificationDispatcher) Notify(ctx context.Context, event *models.AlarmEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed && ctx != d.runCtx {
		return models.ErrShuttingDown
	}

	allowed, err := d.allow(ctx, event)
	if err != nil {
		// Fail open: a duplicated alarm beats a lost one.
		d.logger.Warn("Suppression check failed, delivering", zap.String("event_id", event.ID), zap.Error(err))
		allowed = true
	}
	if !allowed {
		metrics.IncNotification("suppressed")
		d.logger.Debug("Notification coalesced",
			zap.String("event_id", event.ID),
			zap.String("line", event.Key().String()),
			zap.String("level", string(event.To)))
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()

	recipients, err := d.recipients.Recipients(lookupCtx, event.PlantID)
	if err != nil {
		metrics.IncNotification("error")
		return fmt.Errorf("failed to resolve recipients: %w", err)
	}
	if len(recipients) == 0 {
		metrics.IncNotification("no_recipients")
		d.logger.Info("No recipients for alarm", zap.String("event_id", event.ID), zap.String("plant_id", event.PlantID))
		return nil
	}

	text := formatAlarmMessage(event, d.plantName(lookupCtx, event.PlantID), d.location)
	for _, r := range recipients {
		d.wg.Add(1)
		go d.deliver(event, r.ChatID, text)
	}
	metrics.IncNotification("dispatched")
	return nil
}

func (d *NotificationDispatcher) allow(ctx context.Context, event *models.AlarmEvent) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	return d.suppressor.Allow(ctx, event.Key(), event.To, d.clock.Now())
}

func (d *NotificationDispatcher) plantName(ctx context.Context, plantID string) string {
	plant, err := d.store.GetPlant(ctx, plantID)
	if err != nil {
		return models.DefaultPlantName(plantID)
	}
	return plant.Name
}

// deliver sends to one chat with bounded retries and records the failure
// once attempts are exhausted.
func (d *NotificationDispatcher) deliver(event *models.AlarmEvent, chatID int64, text string) {
	defer d.wg.Done()

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		attempts = attempt
		lastErr = d.attempt(chatID, text)
		if lastErr == nil {
			metrics.IncDeliveryAttempt("ok")
			d.logger.Debug("Notification delivered",
				zap.String("event_id", event.ID),
				zap.Int64("chat_id", chatID),
				zap.Int("attempt", attempt))
			return
		}
		metrics.IncDeliveryAttempt("error")
		d.logger.Warn("Notification attempt failed",
			zap.String("event_id", event.ID),
			zap.Int64("chat_id", chatID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", d.maxAttempts),
			zap.Error(lastErr))

		if errors.Is(lastErr, ErrPermanentDelivery) || attempt == d.maxAttempts {
			break
		}
		if err := sleepContext(d.runCtx, d.backoff(attempt)); err != nil {
			lastErr = fmt.Errorf("aborted during backoff: %w", lastErr)
			break
		}
	}
	d.fail(event, chatID, attempts, lastErr)
}

func (d *NotificationDispatcher) attempt(chatID int64, text string) error {
	if err := d.sem.Acquire(d.runCtx, 1); err != nil {
		return err
	}
	defer d.sem.Release(1)

	ctx, cancel := context.WithTimeout(d.runCtx, d.timeout)
	defer cancel()
	return d.sender.Send(ctx, chatID, text)
}

// backoff returns the wait after the given failed attempt: base, 2*base, ...
// capped at maxDelay.
func (d *NotificationDispatcher) backoff(attempt int) time.Duration {
	delay := d.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.maxDelay {
			return d.maxDelay
		}
	}
	if d.maxDelay > 0 && delay > d.maxDelay {
		return d.maxDelay
	}
	return delay
}

func (d *NotificationDispatcher) fail(event *models.AlarmEvent, chatID int64, attempts int, lastErr error) {
	metrics.IncDeliveryFailure()
	d.logger.Error("Notification delivery failed",
		zap.String("event_id", event.ID),
		zap.Int64("chat_id", chatID),
		zap.String("plant_id", event.PlantID),
		zap.String("line_id", event.LineID),
		zap.Int("attempts", attempts),
		zap.Error(lastErr))

	failure := &models.DeliveryFailure{
		EventID:  event.ID,
		ChatID:   chatID,
		PlantID:  event.PlantID,
		LineID:   event.LineID,
		Level:    event.To,
		Attempts: attempts,
		At:       d.clock.Now(),
	}
	if lastErr != nil {
		failure.LastError = lastErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.storeTimeout)
	defer cancel()
	if err := d.store.RecordDeliveryFailure(ctx, failure); err != nil {
		d.logger.Error("Failed to record delivery failure", zap.String("event_id", event.ID), zap.Error(err))
	}
}

// Drain stops accepting events and waits for queued and in-flight
// deliveries. When ctx expires the remaining deliveries are aborted.
func (d *NotificationDispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		d.logger.Info("Notification dispatcher drained")
	case <-ctx.Done():
		d.logger.Warn("Dispatcher drain timed out, aborting deliveries")
		d.abort()
		<-done
		err = fmt.Errorf("dispatcher drain: %w", ctx.Err())
	}
	d.abort()
	close(d.stop)
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSender stands in for the chat transport when no bot token is configured.
type LogSender struct {
	Logger *zap.Logger
}

func (s LogSender) Send(_ context.Context, chatID int64, text string) error {
	s.Logger.Info("Chat transport disabled, notification logged",
		zap.Int64("chat_id", chatID),
		zap.String("text", text))
	return nil
}
