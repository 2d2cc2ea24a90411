package chat

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// Log is a Transport that writes prompts to the process log. It stands in
// for a platform client when the daemon runs headless.
type Log struct {
	logger *zap.Logger
	nextID atomic.Int64
}

// NewLog creates a logging transport.
func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) SendMessage(_ context.Context, channel, text string, buttons [][]Button) (string, error) {
	id := fmt.Sprintf("log-%d", l.nextID.Add(1))
	l.logger.Info("chat message",
		zap.String("channel", channel),
		zap.String("message", id),
		zap.String("text", text),
		zap.Int("button_rows", len(buttons)))
	return id, nil
}

func (l *Log) EditMessage(_ context.Context, channel, messageID, text string, buttons [][]Button) error {
	l.logger.Info("chat edit",
		zap.String("channel", channel),
		zap.String("message", messageID),
		zap.String("text", text),
		zap.Int("button_rows", len(buttons)))
	return nil
}

func (l *Log) KickExtras(_ context.Context, channel string, keep []string) error {
	l.logger.Info("chat kick extras",
		zap.String("channel", channel),
		zap.Strings("keep", keep))
	return nil
}
