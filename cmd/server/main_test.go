package main

import (
	"context"
	"io"
	"testing"

	"forge/internal/config"
	"forge/internal/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRootCmd_HasServe(t *testing.T) {
	root := newRootCmd()
	cmd, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	assert.Equal(t, "serve", cmd.Name())
	for _, name := range []string{"config", "port", "log-level"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

func TestNewProvider_OfflineWithoutKey(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.APIKey = ""

	provider, err := newProvider(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		seg, err := provider.Stream(context.Background(), llm.Request{})
		require.NoError(t, err)
		data, err := io.ReadAll(seg)
		require.NoError(t, err)
		assert.Contains(t, string(data), "<boltArtifact")
	}
}
