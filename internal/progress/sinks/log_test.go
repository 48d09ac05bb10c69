package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/taskwatch/internal/progress"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))

	id := progress.UUIDToBytes(uuid.New())
	batch := []progress.Event{
		{UnitID: id, TS: time.Now(), Stage: progress.StageStarted, Description: "copy"},
		{UnitID: id, TS: time.Now(), Stage: progress.StageFailed, Note: "disk full", Dur: time.Second},
		{TS: time.Now(), Stage: progress.StageDrained},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)
	require.Equal(t, zapcore.DebugLevel, entries[0].Level)
	require.Equal(t, "copy", entries[0].ContextMap()["description"])
	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
	require.Equal(t, "disk full", entries[1].ContextMap()["note"])
	require.NotContains(t, entries[2].ContextMap(), "unit_id")
}

func TestLogSinkRespectsLevel(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{UnitID: progress.UUIDToBytes(uuid.New()), TS: time.Now(), Stage: progress.StageSucceeded},
	}))
	require.Zero(t, logs.Len())
}
