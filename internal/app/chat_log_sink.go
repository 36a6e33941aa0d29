package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"projectfinder/internal/model"
	"projectfinder/internal/repository"
)

// ChatLogSink appends a log entry to its session.
type ChatLogSink interface {
	Append(ctx context.Context, entry model.ChatLogEntry) error
}

type ChatLogPublisher interface {
	Publish(ctx context.Context, entry model.ChatLogEntry) error
}

// DirectChatLogSink writes entries to the store in the request path.
type DirectChatLogSink struct {
	repo *repository.ChatRepository
	idle time.Duration
}

func NewDirectChatLogSink(repo *repository.ChatRepository, idle time.Duration) *DirectChatLogSink {
	return &DirectChatLogSink{repo: repo, idle: idle}
}

func (s *DirectChatLogSink) Append(ctx context.Context, entry model.ChatLogEntry) error {
	return s.repo.Append(ctx, &entry, s.idle)
}

// QueueChatLogSink publishes entries for the persist worker. When publishing
// fails the entry is written directly so the request is never lost.
type QueueChatLogSink struct {
	publisher ChatLogPublisher
	fallback  ChatLogSink
	log       *zap.Logger
}

func NewQueueChatLogSink(publisher ChatLogPublisher, fallback ChatLogSink, log *zap.Logger) *QueueChatLogSink {
	return &QueueChatLogSink{publisher: publisher, fallback: fallback, log: log}
}

func (s *QueueChatLogSink) Append(ctx context.Context, entry model.ChatLogEntry) error {
	err := s.publisher.Publish(ctx, entry)
	if err == nil {
		return nil
	}
	s.log.Warn("publish chat log entry failed, writing directly",
		zap.String("session_id", entry.SessionID),
		zap.Error(err),
	)
	return s.fallback.Append(ctx, entry)
}
