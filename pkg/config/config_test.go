package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApplyOpts(t *testing.T) {
	cfg := Apply(
		WithRewindTime(10*time.Second),
		WithParallelProcessing(true, 16),
		WithBufferReplayPolicy(ReplayFromStartOfPush),
	)
	require.Equal(t, 10, cfg.RewindTimeSeconds)
	require.Equal(t, 10*time.Second, cfg.RewindDuration())
	require.True(t, cfg.AAWCParallelProcessingEnabled)
	require.Equal(t, 16, cfg.AAWCParallelProcessingPoolSize)
	require.Equal(t, ReplayFromStartOfPush, cfg.BufferReplayPolicy)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rewind_time_seconds: 30
buffer_replay_policy: REWIND_FROM_SOP
aa_wc_parallel_processing_enabled: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 30, cfg.RewindTimeSeconds)
	require.Equal(t, ReplayFromStartOfPush, cfg.BufferReplayPolicy)
	require.True(t, cfg.AAWCParallelProcessingEnabled)
	// Unset fields keep their defaults.
	require.Equal(t, 2, cfg.ServerConsumerPoolSizePerCluster)
}
