package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/taskwatch/internal/progress"
)

// LogSink writes one structured log line per lifecycle event. Failures are
// logged at warn level; everything else at debug so a busy pool stays quiet.
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

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.DebugLevel
		if evt.Stage == progress.StageFailed {
			level = zapcore.WarnLevel
		}
		ce := s.logger.Check(level, "unit event")
		if ce == nil {
			continue
		}
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
			zap.Int64("active", evt.Active),
		}
		if evt.Stage != progress.StageDrained {
			fields = append(fields,
				zap.Stringer("unit_id", evt.UnitUUID()),
				zap.String("description", evt.Description),
			)
		}
		if evt.Stage == progress.StageProgress {
			fields = append(fields, zap.Float64("progress", evt.Progress))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		ce.Write(fields...)
	}
	return nil
}

// Close implements the Sink interface; it flushes the logger.
func (s *LogSink) Close(context.Context) error {
	_ = s.logger.Sync()
	return nil
}
