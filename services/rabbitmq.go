package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"psamonitor/auth"
	"psamonitor/config"
	"psamonitor/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// mqttExchange is where the RabbitMQ MQTT plugin publishes device messages.
const mqttExchange = "amq.topic"

// TelemetryIngester is the gatekeeper entry point used by queue consumers.
type TelemetryIngester interface {
	IngestFrom(ctx context.Context, source string, creds auth.Credentials, raw []byte) (*IngestResult, error)
}

type deliveryAction int

const (
	actionAck deliveryAction = iota
	actionDrop
	actionRequeue
)

// classifyIngestError decides what happens to a message after ingestion.
// Rejected payloads are acked and dropped; transient failures are requeued.
func classifyIngestError(err error) deliveryAction {
	switch {
	case err == nil:
		return actionAck
	case errors.Is(err, models.ErrInvalidPayload), errors.Is(err, models.ErrUnauthorized):
		return actionDrop
	default:
		return actionRequeue
	}
}

// RabbitMQService consumes device telemetry bridged from MQTT
type RabbitMQService struct {
	config    *config.Config
	conn      *amqp.Connection
	channel   *amqp.Channel
	logger    *zap.Logger
	reconnect chan bool
	isClosing atomic.Bool
}

func NewRabbitMQService(cfg *config.Config, logger *zap.Logger) (*RabbitMQService, error) {
	service := &RabbitMQService{
		config:    cfg,
		logger:    logger,
		reconnect: make(chan bool, 1),
	}

	if err := service.connect(); err != nil {
		return nil, err
	}

	return service, nil
}

// connect establishes connection to RabbitMQ and declares exchange and queue
func (r *RabbitMQService) connect() error {
	var err error

	r.logger.Info("Connecting to RabbitMQ")

	maxRetries := 5
	for attempt := 1; attempt <= maxRetries; attempt++ {
		r.conn, err = amqp.Dial(r.config.RabbitMQURL)
		if err == nil {
			break
		}

		r.logger.Warn("Failed to connect to RabbitMQ",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * 2 * time.Second)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
	}

	r.channel, err = r.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	err = r.channel.Qos(
		10,    // prefetch count
		0,     // prefetch size
		false, // global
	)
	if err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	err = r.channel.ExchangeDeclare(
		r.config.RabbitMQExchange, // name
		"direct",                  // type
		true,                      // durable
		false,                     // auto-deleted
		false,                     // internal
		false,                     // no-wait
		nil,                       // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	queue, err := r.channel.QueueDeclare(
		r.config.RabbitMQQueue, // name
		true,                   // durable
		false,                  // delete when unused
		false,                  // exclusive
		false,                  // no-wait
		nil,                    // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	// Direct publishers and MQTT devices (topic psa/telemetry) share the queue.
	for _, exchange := range []string{r.config.RabbitMQExchange, mqttExchange} {
		if err := r.channel.QueueBind(queue.Name, r.config.RabbitMQQueue, exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue to %s: %w", exchange, err)
		}
		r.logger.Info("Queue bound to exchange",
			zap.String("queue", queue.Name),
			zap.String("exchange", exchange),
			zap.String("routing_key", r.config.RabbitMQQueue))
	}

	go r.handleReconnect(r.conn)

	return nil
}

// handleReconnect handles automatic reconnection when connection is lost
func (r *RabbitMQService) handleReconnect(conn *amqp.Connection) {
	closeErr := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	if r.isClosing.Load() {
		r.logger.Info("RabbitMQ connection closed gracefully")
		return
	}

	r.logger.Error("RabbitMQ connection lost", zap.Error(closeErr))

	for !r.isClosing.Load() {
		r.logger.Info("Attempting to reconnect to RabbitMQ...")
		err := r.connect()
		if err == nil {
			r.logger.Info("Successfully reconnected to RabbitMQ")
			select {
			case r.reconnect <- true:
			default:
			}
			return
		}
		r.logger.Error("Failed to reconnect", zap.Error(err))
		time.Sleep(5 * time.Second)
	}
}

// Consume feeds queued readings to the gatekeeper until ctx is cancelled.
func (r *RabbitMQService) Consume(ctx context.Context, ingester TelemetryIngester) error {
	creds := auth.Credentials{APIKey: r.config.DeviceAPIKey}

	for {
		msgs, err := r.channel.Consume(
			r.config.RabbitMQQueue, // queue
			"psamonitor",           // consumer tag
			false,                  // auto-ack
			false,                  // exclusive
			false,                  // no-local
			false,                  // no-wait
			nil,                    // args
		)
		if err != nil {
			return fmt.Errorf("failed to register consumer: %w", err)
		}

		r.logger.Info("Started consuming telemetry from RabbitMQ",
			zap.String("queue", r.config.RabbitMQQueue))

	consumeLoop:
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Stopping RabbitMQ consumer")
				return nil

			case <-r.reconnect:
				r.logger.Info("Reconnection detected, restarting consumer")
				break consumeLoop

			case msg, ok := <-msgs:
				if !ok {
					r.logger.Warn("Message channel closed")
					select {
					case <-ctx.Done():
						return nil
					case <-r.reconnect:
					}
					break consumeLoop
				}
				r.handleDelivery(ctx, ingester, creds, msg)
			}
		}
	}
}

func (r *RabbitMQService) handleDelivery(ctx context.Context, ingester TelemetryIngester, creds auth.Credentials, msg amqp.Delivery) {
	result, err := ingester.IngestFrom(ctx, SourceAMQP, creds, msg.Body)

	switch classifyIngestError(err) {
	case actionAck:
		r.logger.Debug("Telemetry consumed",
			zap.String("plant_id", result.PlantID),
			zap.String("line_id", result.LineID),
			zap.Bool("duplicate", result.Duplicate))
		r.ack(msg)
	case actionDrop:
		r.logger.Warn("Dropping rejected telemetry message",
			zap.String("message_id", msg.MessageId),
			zap.Error(err))
		r.ack(msg)
	case actionRequeue:
		r.logger.Error("Failed to ingest telemetry, requeueing",
			zap.String("message_id", msg.MessageId),
			zap.Error(err))
		if nackErr := msg.Nack(false, true); nackErr != nil {
			r.logger.Error("Failed to nack message", zap.Error(nackErr))
		}
	}
}

func (r *RabbitMQService) ack(msg amqp.Delivery) {
	if err := msg.Ack(false); err != nil {
		r.logger.Error("Failed to ack message", zap.Error(err))
	}
}

// Close gracefully closes RabbitMQ connection
func (r *RabbitMQService) Close() error {
	r.isClosing.Store(true)

	r.logger.Info("Closing RabbitMQ connection")

	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			r.logger.Error("Error closing channel", zap.Error(err))
		}
	}

	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			r.logger.Error("Error closing connection", zap.Error(err))
			return err
		}
	}

	r.logger.Info("RabbitMQ connection closed")
	return nil
}
