package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"eliteheat/core"
	"eliteheat/engine"
)

// AccrualMessage is the JSON payload other services publish to grant or deduct points.
// ID doubles as the idempotency key, so redelivered messages never apply twice.
type AccrualMessage struct {
	ID        string         `json:"id"`
	SubjectID core.SubjectID `json:"subject_id"`
	Delta     int64          `json:"delta"`
	Reason    string         `json:"reason"`
	Actor     string         `json:"actor"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
}

// Granter is the slice of the rank service the consumer needs.
type Granter interface {
	AccruePoints(ctx context.Context, subject core.SubjectID, delta int64, reason, actor string, opts ...engine.MutationOption) (core.Commit, error)
}

// Config holds consumer settings.
type Config struct {
	Brokers      []string
	Topic        string
	GroupID      string
	MaxRetries   int
	RetryBackoff time.Duration
}

// Consumer reads AccrualMessages from a topic and applies them through the Granter.
type Consumer struct {
	config        Config
	granter       Granter
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	// ready is closed once, after the first session is set up.
	ready     chan struct{}
	readyOnce sync.Once
}

// NewConsumer creates a consumer group member.
func NewConsumer(cfg Config, granter Granter, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return newConsumer(cfg, granter, logger, group), nil
}

func newConsumer(cfg Config, granter Granter, logger *slog.Logger, group sarama.ConsumerGroup) *Consumer {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		config:        cfg,
		granter:       granter,
		logger:        logger,
		consumerGroup: group,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan struct{}),
	}
}

// Start joins the group and consumes until Stop is called.
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &groupHandler{consumer: c}
			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}
			if c.ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	select {
	case <-c.ready:
		c.logger.Info("Kafka consumer ready")
	case <-c.ctx.Done():
	}
	return nil
}

func (c *Consumer) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

// Stop leaves the group and waits for in-flight messages.
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

type groupHandler struct {
	consumer *Consumer
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.consumer.markReady()
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.consumer.handleMessage(session.Context(), msg); err != nil {
				// session ended mid-retry; leave the offset unmarked for redelivery
				return nil
			}
			session.MarkMessage(msg, "")
		}
	}
}

// handleMessage applies one message. Malformed or rejected messages are logged
// and skipped. Transient failures are retried; a non-nil return means ctx ended
// before the message could be applied.
func (c *Consumer) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var m AccrualMessage
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		c.logger.Warn("failed to unmarshal message", "error", err, "offset", msg.Offset, "partition", msg.Partition)
		return nil
	}
	key := strings.TrimSpace(m.ID)
	if key == "" {
		key = fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	}

	for attempt := 1; ; attempt++ {
		commit, err := c.granter.AccruePoints(ctx, m.SubjectID, m.Delta, m.Reason, m.Actor, engine.WithIdempotencyKey(key))
		switch {
		case err == nil:
			c.logger.Debug("accrual applied", "key", key, "subject", commit.Record.SubjectID, "replayed", commit.Replayed)
			return nil
		case errors.Is(err, core.ErrValidation), errors.Is(err, core.ErrNotFound):
			c.logger.Warn("accrual rejected", "key", key, "subject", m.SubjectID, "error", err)
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case attempt >= c.config.MaxRetries:
			c.logger.Error("accrual dropped after retries", "key", key, "subject", m.SubjectID, "attempts", attempt, "error", err)
			return nil
		}
		select {
		case <-time.After(c.config.RetryBackoff * time.Duration(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
