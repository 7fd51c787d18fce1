package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/crawl-orchestrator/internal/progress"
)

// LogSink writes every event as a structured log line. Per-URL stages log at
// debug so a production logger only shows crawl milestones.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		switch evt.Stage {
		case progress.StageDispatch, progress.StageFetchDone:
			level = zapcore.DebugLevel
		case progress.StageCrawlError:
			level = zapcore.ErrorLevel
		}
		ce := s.logger.Check(level, "progress event")
		if ce == nil {
			continue
		}
		fields := []zap.Field{
			zap.String("crawl_id", evt.CrawlID),
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		if evt.Site != "" {
			fields = append(fields, zap.String("site", evt.Site))
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL), zap.Int("depth", evt.Depth))
		}
		if evt.Stage == progress.StageFetchDone {
			fields = append(fields,
				zap.String("status_class", string(evt.StatusClass)),
				zap.Int64("bytes", evt.Bytes),
			)
		}
		if evt.Relevance != 0 {
			fields = append(fields, zap.Float64("relevance", evt.Relevance))
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

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
