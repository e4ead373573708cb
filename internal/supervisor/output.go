package supervisor

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"sync"
)

const maxLogLine = 64 * 1024

// streamLines forwards child output to the logger one line at a time.
func streamLines(wg *sync.WaitGroup, r io.Reader, logger *slog.Logger, level slog.Level) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLogLine)
	for scanner.Scan() {
		logger.Log(context.Background(), level, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		logger.Debug("backend output stream ended", "error", err)
		_, _ = io.Copy(io.Discard, r)
	}
}
