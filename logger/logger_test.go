package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitialize(t *testing.T) {
	for _, jsonOutput := range []bool{true, false} {
		Logger = nil
		JSONOutput = false

		require.NoError(t, Initialize(jsonOutput))
		assert.NotNil(t, Logger)
		assert.Equal(t, jsonOutput, JSONOutput)
	}
	Logger = zap.NewNop().Sugar()
}

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(7))
}

func TestFieldsFromContext(t *testing.T) {
	ctx := WithJobID(context.Background(), "task-1")
	ctx = WithComponent(ctx, "execution")

	fields := FieldsFromContext(ctx)
	assert.Equal(t, []interface{}{FieldJobID, "task-1", FieldComponent, "execution"}, fields)
	assert.Empty(t, FieldsFromContext(context.Background()))
}

func TestSymbolHelpers(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	prev := Logger
	Logger = zap.New(core).Sugar()
	defer func() { Logger = prev }()

	JobInfow("Running job", FieldClassPath, "local/demo/Hello")
	AddScheduleSymbol(Logger).Infow("fired")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "⚙", entries[0].ContextMap()[FieldSymbol])
	assert.Equal(t, "local/demo/Hello", entries[0].ContextMap()[FieldClassPath])
	assert.Equal(t, "⏲", entries[1].ContextMap()[FieldSymbol])
}
