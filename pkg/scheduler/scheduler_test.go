package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobill/gobill/pkg/webhook"
	"github.com/gobill/gobill/storage/memory"
)

func TestNew_DefaultsAndStop(t *testing.T) {
	store := memory.NewStorage()
	whe, err := webhook.NewEngine(store, webhook.DefaultEngineConfig())
	require.NoError(t, err)

	s, err := New(nil, whe, Config{})
	require.NoError(t, err)

	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}

func TestNew_RejectsBadSpec(t *testing.T) {
	store := memory.NewStorage()
	whe, err := webhook.NewEngine(store, webhook.DefaultEngineConfig())
	require.NoError(t, err)

	_, err = New(nil, whe, Config{CleanupSpec: "not a cron spec"})
	assert.Error(t, err)
}
