package supervisor

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"backend_gateway/internal/testutil"
)

func copyExecutable(t *testing.T, src, dst string) {
	t.Helper()
	in, err := os.Open(src)
	require.NoError(t, err)
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	require.NoError(t, err)
	_, err = io.Copy(out, in)
	require.NoError(t, err)
	require.NoError(t, out.Close())
	require.NoError(t, os.Rename(tmp, dst))
}

func TestWatchRestartsBackendOnRebuild(t *testing.T) {
	cfg := helperConfig(t, "")
	exe := filepath.Join(cfg.WorkDir, "backend")
	copyExecutable(t, helperExecutable(t), exe)
	cfg.Executable = "./backend"
	cfg.WatchExecutable = true
	cfg.WatchDebounce = 50 * time.Millisecond
	s := newSupervisor(t, cfg)

	first, err := s.EnsureRunning(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	watchDone := make(chan error, 1)
	go func() { watchDone <- s.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-watchDone
	})

	// Give the watcher time to register before the rebuild lands.
	time.Sleep(100 * time.Millisecond)
	copyExecutable(t, helperExecutable(t), exe)

	testutil.Eventually(t, 5*time.Second, 20*time.Millisecond, func() error {
		if s.Running() {
			return errors.New("backend still running the old build")
		}
		return nil
	})

	second, err := s.EnsureRunning(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, first.PID, second.PID)
}

func TestWatchRequiresExecutable(t *testing.T) {
	s := New(Config{}, nil, nil)
	require.Error(t, s.Watch(context.Background()))
}
