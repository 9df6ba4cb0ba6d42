package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/template-worker/internal/worker/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDeliveriesClosed is returned when the broker closes the consumer channel
var ErrDeliveriesClosed = errors.New("delivery channel closed")

// ReceiveOptions bounds a single receive call
type ReceiveOptions struct {
	MaxMessages       int
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
}

// Source is the queue the worker pulls jobs from. A message stays invisible to
// other consumers until it is settled or its visibility timeout lapses.
type Source interface {
	Receive(ctx context.Context, opts ReceiveOptions) ([]*domain.JobMessage, error)
	Ack(msg *domain.JobMessage) error
	Requeue(msg *domain.JobMessage) error
	Reject(msg *domain.JobMessage) error
}

// AMQPConsumer is the subset of the rabbitmq client the source needs
type AMQPConsumer interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
	IsConnected() bool
	Reconnect() error
	ConsumerTimeout() time.Duration
}

// RabbitSource adapts a RabbitMQ consumer to the receive/settle model.
// Deliveries are unacknowledged until settled; the broker redelivers them when
// the channel closes or the queue's consumer timeout fires.
type RabbitSource struct {
	client      AMQPConsumer
	consumerTag string
	logger      *slog.Logger

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
	warnedOnce bool
}

// NewRabbitSource creates a RabbitSource
func NewRabbitSource(client AMQPConsumer, consumerTag string, logger *slog.Logger) *RabbitSource {
	return &RabbitSource{
		client:      client,
		consumerTag: consumerTag,
		logger:      logger,
	}
}

func (s *RabbitSource) consumer(opts ReceiveOptions) (<-chan amqp.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deliveries != nil {
		return s.deliveries, nil
	}

	if !s.client.IsConnected() {
		if err := s.client.Reconnect(); err != nil {
			return nil, fmt.Errorf("failed to reconnect to rabbitmq: %w", err)
		}
	}

	deliveries, err := s.client.Consume(s.consumerTag)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	if !s.warnedOnce && opts.VisibilityTimeout > 0 && s.client.ConsumerTimeout() != opts.VisibilityTimeout {
		s.logger.Warn("Queue consumer timeout differs from visibility timeout",
			slog.Duration("consumer_timeout", s.client.ConsumerTimeout()),
			slog.Duration("visibility_timeout", opts.VisibilityTimeout),
		)
		s.warnedOnce = true
	}

	s.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", s.consumerTag),
	)

	s.deliveries = deliveries
	return deliveries, nil
}

func (s *RabbitSource) reset() {
	s.mu.Lock()
	s.deliveries = nil
	s.mu.Unlock()
}

// Receive waits up to opts.WaitTime for the first delivery and then drains
// whatever is already buffered, up to opts.MaxMessages. An empty batch means
// the wait elapsed or ctx ended.
func (s *RabbitSource) Receive(ctx context.Context, opts ReceiveOptions) ([]*domain.JobMessage, error) {
	deliveries, err := s.consumer(opts)
	if err != nil {
		return nil, err
	}

	maxMessages := opts.MaxMessages
	if maxMessages <= 0 {
		maxMessages = 1
	}

	timer := time.NewTimer(opts.WaitTime)
	defer timer.Stop()

	var batch []*domain.JobMessage
	select {
	case <-ctx.Done():
		return nil, nil
	case <-timer.C:
		return nil, nil
	case d, ok := <-deliveries:
		if !ok {
			s.reset()
			return nil, ErrDeliveriesClosed
		}
		batch = append(batch, toMessage(d))
	}

	for len(batch) < maxMessages {
		select {
		case d, ok := <-deliveries:
			if !ok {
				s.reset()
				return batch, nil
			}
			batch = append(batch, toMessage(d))
		default:
			return batch, nil
		}
	}

	return batch, nil
}

func toMessage(d amqp.Delivery) *domain.JobMessage {
	return &domain.JobMessage{
		Body:        d.Body,
		DeliveryTag: d.DeliveryTag,
		Redelivered: d.Redelivered,
		Delivery:    d,
	}
}

// Ack deletes the message from the queue
func (s *RabbitSource) Ack(msg *domain.JobMessage) error {
	if err := msg.Delivery.Ack(false); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// Requeue makes the message visible again for redelivery
func (s *RabbitSource) Requeue(msg *domain.JobMessage) error {
	if err := msg.Delivery.Nack(false, true); err != nil {
		return fmt.Errorf("failed to requeue message: %w", err)
	}
	return nil
}

// Reject drops a message that can never be processed. With a dead-letter
// exchange on the queue the broker routes it there.
func (s *RabbitSource) Reject(msg *domain.JobMessage) error {
	if err := msg.Delivery.Nack(false, false); err != nil {
		return fmt.Errorf("failed to reject message: %w", err)
	}
	return nil
}
