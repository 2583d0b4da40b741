package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/prompt-collector/internal/progress"
)

// LogSink writes one structured line per progress event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("target", evt.Target),
			zap.String("stage", string(evt.Stage)),
			zap.Int("offset", evt.Offset),
			zap.Int("attempted", evt.Attempted),
			zap.Int("new_saved", evt.NewSaved),
			zap.Int("duplicates", evt.Duplicates),
		}
		if ratio, ok := evt.Ratio(); ok {
			fields = append(fields, zap.Float64("progress", ratio))
		}
		if evt.Stage == progress.StageRunDone {
			fields = append(fields, zap.String("status", evt.Status), zap.Duration("dur", evt.Dur))
		}
		s.logger.Info("collection progress", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
