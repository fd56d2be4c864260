package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobal_NoOpBeforeInit(t *testing.T) {
	require.NoError(t, Reset(context.Background()))
	assert.Nil(t, Default())

	// None of these may panic without a client.
	Track("orphan", nil)
	Page("orphan", nil)
	Identify("user", nil)
	CaptureMessage("orphan", "info")
	assert.NoError(t, Flush(context.Background()))
}

func TestGlobal_InitAndTrack(t *testing.T) {
	srv := newSDKServer(nil)
	require.NoError(t, Reset(context.Background()))
	t.Cleanup(func() {
		Reset(context.Background())
		srv.srv.Close()
	})

	err := Init(Config{
		APIKey:        "test-key",
		Endpoint:      srv.srv.URL,
		BatchSize:     100,
		FlushInterval: time.Hour,
		Persistence:   PersistenceMemory,
	})
	require.NoError(t, err)
	require.NotNil(t, Default())

	Track("global-event", map[string]any{"source": "global"})
	require.NoError(t, Flush(context.Background()))

	got := srv.received()
	require.Len(t, got, 1)
	assert.Equal(t, "global-event", got[0].Name)
}

func TestGlobal_DoubleInitFails(t *testing.T) {
	require.NoError(t, Reset(context.Background()))
	t.Cleanup(func() { Reset(context.Background()) })

	cfg := Config{APIKey: "test-key", Persistence: PersistenceMemory, FlushInterval: time.Hour}
	require.NoError(t, Init(cfg))
	assert.ErrorIs(t, Init(cfg), ErrAlreadyInitialized)
}

func TestGlobal_ResetClearsClient(t *testing.T) {
	require.NoError(t, Reset(context.Background()))
	cfg := Config{APIKey: "test-key", Persistence: PersistenceMemory, FlushInterval: time.Hour}
	require.NoError(t, Init(cfg))
	require.NoError(t, Reset(context.Background()))
	assert.Nil(t, Default())
}
