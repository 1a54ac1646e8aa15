package logging

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestConsoleNamedChains(t *testing.T) {
	l := NewConsole().Named("player").Named("quality").(*zapLogger)
	assert.Equal(t, "player.quality", l.z.Name())
	assert.Same(t, l, l.Named(""))
	assert.Same(t, l, l.With())
}

func TestErrorFieldDropsNil(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := FromZap(zap.New(core))

	l.Error("failed", Error(errors.New("boom")), Duration("after", time.Second))
	l.Info("fine", Error(nil))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "boom", entries[0].ContextMap()["error"])
	assert.Equal(t, time.Second, entries[0].ContextMap()["after"])
	assert.Empty(t, entries[1].ContextMap())
}

func TestZapBackendForwardsFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := FromZap(zap.New(core)).Named("buffer").With(String("sink", "segmented"))

	l.Warn("overload", Int("count", 2), Float64("bw", 1.5), Error(nil))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "buffer", entries[0].LoggerName)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "segmented", ctx["sink"])
	assert.EqualValues(t, 2, ctx["count"])
	assert.NotContains(t, ctx, "error")
}

func TestNewZapRejectsBadLevel(t *testing.T) {
	_, err := NewZap("loud", false)
	require.Error(t, err)

	l, err := NewZap("debug", true)
	require.NoError(t, err)
	l.Debug("ok")
	Sync(l)
}

func TestReplaceGlobalIgnoresNil(t *testing.T) {
	prev := L()
	t.Cleanup(func() { ReplaceGlobal(prev) })

	ReplaceGlobal(nil)
	assert.Same(t, prev, L())

	n := Nop()
	ReplaceGlobal(n)
	assert.Equal(t, n, L())
	assert.Equal(t, n, OrGlobal(nil))
}
