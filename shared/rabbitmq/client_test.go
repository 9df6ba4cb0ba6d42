package rabbitmq

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOfflineClient(cfg *Config) *Client {
	return &Client{config: cfg, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestQueueArgs(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want amqp.Table
	}{
		{
			name: "no arguments",
			cfg:  Config{},
			want: nil,
		},
		{
			name: "consumer timeout",
			cfg:  Config{ConsumerTimeout: 300 * time.Second},
			want: amqp.Table{"x-consumer-timeout": int64(300000)},
		},
		{
			name: "dead-letter routing",
			cfg:  Config{ConsumerTimeout: time.Hour, DeadLetterQueue: "template_builds_dlq"},
			want: amqp.Table{
				"x-consumer-timeout":        int64(3600000),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": "template_builds_dlq",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newOfflineClient(&tt.cfg)
			assert.Equal(t, tt.want, c.queueArgs())
		})
	}
}

func TestClient_NotConnected(t *testing.T) {
	c := newOfflineClient(&Config{ExchangeName: "templates", DeadLetterQueue: "dlq"})

	assert.False(t, c.IsConnected())

	_, err := c.Consume("worker")
	assert.ErrorIs(t, err, ErrNotConnected)

	err = c.Publish(context.Background(), []byte(`{}`), "application/json")
	assert.ErrorIs(t, err, ErrNotConnected)

	err = c.PublishDeadLetter(context.Background(), []byte(`{}`), "application/json")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_PublishDeadLetterWithoutQueue(t *testing.T) {
	c := newOfflineClient(&Config{})
	require.NoError(t, c.PublishDeadLetter(context.Background(), []byte(`{}`), "application/json"))
	assert.Equal(t, "", c.DeadLetterQueue())
}
