package kafka

import (
	"context"
	"time"

	skafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Reader is the subset of kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (skafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// Handler processes one message. A non-nil error leaves the offset
// uncommitted so the message is delivered again.
type Handler func(ctx context.Context, key []byte, value []byte) error

type Consumer struct {
	reader         Reader
	log            *zap.Logger
	topic, group   string
	handlerTimeout time.Duration
	retryDelay     time.Duration
}

// NewConsumer joins groupID on topic. Instances sharing a group split the partitions.
func NewConsumer(brokers []string, topic, groupID string, log *zap.Logger) *Consumer {
	r := skafka.NewReader(skafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	c := NewConsumerWithReader(r, log)
	c.topic, c.group = topic, groupID
	return c
}

// NewConsumerWithReader allows injecting a test reader.
func NewConsumerWithReader(r Reader, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		reader:         r,
		log:            log.Named("kafka"),
		handlerTimeout: 5 * time.Minute,
		retryDelay:     time.Second,
	}
}

// WithHandlerTimeout bounds a single handler call.
func (c *Consumer) WithHandlerTimeout(d time.Duration) *Consumer {
	if d > 0 {
		c.handlerTimeout = d
	}
	return c
}

// Start fetches and handles messages until ctx is cancelled. Blocking call.
func (c *Consumer) Start(ctx context.Context, handler Handler) {
	c.log.Info("[Kafka] consumer started", zap.String("topic", c.topic), zap.String("group", c.group))
	for {
		if ctx.Err() != nil {
			return
		}
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("[Kafka] fetch failed", zap.Error(err))
			c.sleep(ctx)
			continue
		}

		processCtx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
		err = handler(processCtx, m.Key, m.Value)
		cancel()
		if err != nil {
			// not committed: redelivered after the group rebalances or restarts
			c.log.Error("[Kafka] processing failed",
				zap.Int64("offset", m.Offset),
				zap.Int("partition", m.Partition),
				zap.Error(err))
			c.sleep(ctx)
			continue
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.log.Error("[Kafka] commit failed", zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

func (c *Consumer) sleep(ctx context.Context) {
	t := time.NewTimer(c.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
