package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"projectfinder/internal/errs"
	"projectfinder/internal/model"
	"projectfinder/internal/platform/rabbitmq"
	"projectfinder/internal/retry"
)

type ChatLogStore interface {
	Append(ctx context.Context, entry *model.ChatLogEntry, idle time.Duration) error
}

// ChatLogPersistWorker is the single consumer of the chat log queue. It
// prefetches one delivery at a time so entries are stored in delivery order.
type ChatLogPersistWorker struct {
	conn      *amqp.Connection
	store     ChatLogStore
	queueName string
	idle      time.Duration
	policy    retry.Policy
	log       *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewChatLogPersistWorker(conn *amqp.Connection, store ChatLogStore, queueName string, idle time.Duration, policy retry.Policy, log *zap.Logger) *ChatLogPersistWorker {
	return &ChatLogPersistWorker{
		conn:      conn,
		store:     store,
		queueName: queueName,
		idle:      idle,
		policy:    policy,
		log:       log.Named("chatlog-worker"),
	}
}

func (w *ChatLogPersistWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}
	if err := rabbitmq.DeclareQueue(ch, w.queueName); err != nil {
		_ = ch.Close()
		cancel()
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("set worker prefetch failed: %w", err)
	}

	deliveries, err := ch.Consume(
		w.queueName,
		"",
		false,
		true,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					w.log.Warn("chat log deliveries closed")
					return
				}
				if err := w.handle(workerCtx, d.Body); err != nil {
					_ = d.Nack(false, false)
					continue
				}
				_ = d.Ack(false)
			}
		}
	}()

	w.log.Info("chat log worker started", zap.String("queue", w.queueName))
	return nil
}

// handle stores one delivery body. Undecodable bodies are dropped at once;
// store failures are retried under the policy before the entry is dropped.
func (w *ChatLogPersistWorker) handle(ctx context.Context, body []byte) error {
	var entry model.ChatLogEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		w.log.Error("decode chat log entry failed", zap.Error(err))
		return errs.Permanent(err)
	}

	err := w.policy.Do(ctx, func(ctx context.Context) error {
		e := entry
		return w.store.Append(ctx, &e, w.idle)
	})
	if err != nil {
		w.log.Error("persist chat log entry failed",
			zap.String("session_id", entry.SessionID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (w *ChatLogPersistWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
