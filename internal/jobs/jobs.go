// Package jobs runs deferred order work on asynq.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	QueueDefault = "default"

	TaskQRExpire = "order:qr-expire"
)

type QRExpirePayload struct {
	OrderID   string    `json:"order_id"`
	Reference string    `json:"reference"`
	ExpiresAt time.Time `json:"expires_at"`
}

func NewQRExpireTask(payload QRExpirePayload) (*asynq.Task, error) {
	if payload.OrderID == "" {
		return nil, errors.New("jobs: order id is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskQRExpire, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// QRExpirer clears the QR of an order still unpaid after its window.
type QRExpirer interface {
	ExpireQR(ctx context.Context, orderID string, reference string) error
}

// QRExpireHandler returns the asynq handler for TaskQRExpire.
func QRExpireHandler(expirer QRExpirer, logger *zap.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload QRExpirePayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			logger.Error("decode qr expire payload", zap.Error(err))
			return asynq.SkipRetry
		}
		if err := expirer.ExpireQR(ctx, payload.OrderID, payload.Reference); err != nil {
			return fmt.Errorf("expire qr for %s: %w", payload.OrderID, err)
		}
		logger.Debug("qr expiry processed", zap.String("order_id", payload.OrderID))
		return nil
	}
}

// Client schedules tasks.
type Client struct {
	client *asynq.Client
}

func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// ScheduleQRExpiry enqueues the expiry task to run at payload.ExpiresAt.
// Re-submitting an order schedules a fresh task for the new reference.
func (c *Client) ScheduleQRExpiry(ctx context.Context, payload QRExpirePayload) error {
	task, err := NewQRExpireTask(payload)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task,
		asynq.ProcessAt(payload.ExpiresAt),
		asynq.TaskID(TaskQRExpire+":"+payload.Reference),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

func (c *Client) Close() error {
	return c.client.Close()
}

type TaskHandler struct {
	Type    string
	Handler asynq.HandlerFunc
}

type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Logger      *zap.Logger
	Concurrency int
	Handlers    []TaskHandler
}

type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *zap.Logger
}

func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 5
	}
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{QueueDefault: 1},
		Logger:      cfg.Logger.Named("asynq").Sugar(),
	})
	mux := asynq.NewServeMux()
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			continue
		}
		mux.HandleFunc(h.Type, h.Handler)
	}
	return &Worker{server: srv, mux: mux, logger: cfg.Logger}
}

// Run processes tasks until ctx is cancelled, then waits for in-flight
// tasks to finish.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return err
	}
	w.logger.Info("worker started")
	<-ctx.Done()
	w.server.Shutdown()
	w.logger.Info("worker stopped")
	return nil
}
