// Package queue consumes bulk operation requests from a Redis list and hands
// them to the coordinator. External producers push JSON requests; the
// consumer is the runner's non-HTTP intake.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/stagekit/stagekit/pkg/log"
)

// DefaultQueue is the list consumed when the config names none.
const DefaultQueue = "stagekit:operations"

// Config connects the consumer to its Redis list.
type Config struct {
	Addr     string
	Password string
	DB       int
	Queue    string
}

// Validate fills defaults and rejects an unusable config.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}

	if c.Queue == "" {
		c.Queue = DefaultQueue
	}

	if c.DB < 0 {
		return errors.New("queue redis db must not be negative")
	}

	return nil
}

// Request is the shape producers push onto the list.
type Request struct {
	Kind    string         `json:"kind"`
	Targets []string       `json:"targets"`
	Params  map[string]any `json:"params,omitempty"`
}

func decodeRequest(payload string) (*Request, error) {
	var request Request
	if err := json.Unmarshal([]byte(payload), &request); err != nil {
		return nil, fmt.Errorf("undecodable request: %w", err)
	}

	if request.Kind == "" {
		return nil, errors.New("request kind is required")
	}

	if len(request.Targets) == 0 {
		return nil, errors.New("request targets are required")
	}

	return &request, nil
}

// SubmitFunc dispatches a decoded request and returns the operation id.
type SubmitFunc func(ctx context.Context, kind string, targets []string, params map[string]any) (string, error)

// Consumer blocks on the Redis list and submits each request it pops.
type Consumer struct {
	config Config
	submit SubmitFunc
	logger *slog.Logger

	client redis.UniversalClient
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewConsumer creates a consumer that dispatches through submit.
func NewConsumer(config Config, submit SubmitFunc) (*Consumer, error) {
	if submit == nil {
		return nil, errors.New("queue consumer needs a submit function")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Consumer{
		config: config,
		submit: submit,
		stopCh: make(chan struct{}),
		logger: log.WithModule("queue-consumer").With("queue", config.Queue),
	}, nil
}

// Start connects to Redis and begins consuming in the background.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.InfoContext(ctx, "Starting queue consumer")

	if err := c.connect(ctx); err != nil {
		return fmt.Errorf("failed to initialize queue client: %w", err)
	}

	c.wg.Add(1)

	go c.consume(ctx)

	return nil
}

func (c *Consumer) connect(ctx context.Context) error {
	c.client = redis.NewClient(&redis.Options{
		Addr:     c.config.Addr,
		Password: c.config.Password,
		DB:       c.config.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	c.logger.InfoContext(ctx, "Connected to Redis", "addr", c.config.Addr, "db", c.config.DB)

	return nil
}

func (c *Consumer) consume(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			c.logger.InfoContext(ctx, "Queue consumer stopped")

			return
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "Context cancelled, stopping queue consumer")

			return
		default:
			if err := c.processMessage(ctx); err != nil {
				c.logger.ErrorContext(ctx, "Error processing message", "error", err)
				time.Sleep(1 * time.Second)
			}
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context) error {
	result, err := c.client.BLPop(ctx, 1*time.Second, c.config.Queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}

		return fmt.Errorf("failed to pop message from queue: %w", err)
	}

	if len(result) < 2 {
		return nil
	}

	request, err := decodeRequest(result[1])
	if err != nil {
		// A malformed message is dropped, not retried: requeuing it would
		// wedge the list.
		c.logger.WarnContext(ctx, "Dropping malformed request", "error", err)

		return nil
	}

	operationID, err := c.submit(ctx, request.Kind, request.Targets, request.Params)
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to dispatch request",
			"kind", request.Kind, "targets", len(request.Targets), "error", err)

		return nil
	}

	c.logger.InfoContext(ctx, "Dispatched bulk operation",
		"kind", request.Kind, "targets", len(request.Targets), "operation_id", operationID)

	return nil
}

// Stop halts consumption and closes the Redis connection.
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.InfoContext(ctx, "Stopping queue consumer")

	close(c.stopCh)
	c.wg.Wait()

	if c.client != nil {
		if err := c.client.Close(); err != nil {
			c.logger.ErrorContext(ctx, "Error closing Redis client", "error", err)
		}
	}

	return nil
}
