package opencodeflavor

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cardev/car/internal/common/logger"
	"github.com/cardev/car/pkg/appserver"
)

// serverURLTimeout bounds how long the server may take to print its
// listening URL. Cold starts can be slow.
const serverURLTimeout = 180 * time.Second

const serverURLPrefix = "opencode server listening on "

// waitForServerURL reads the server's stdout until the listening URL
// appears. Stdout keeps draining in the background afterwards so the pipe
// never fills.
func waitForServerURL(ctx context.Context, proc *appserver.Process, log *logger.Logger) (string, error) {
	deadline := time.Now().Add(serverURLTimeout)
	scanner := bufio.NewScanner(proc.Stdout())

	var captured []string
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", fmt.Errorf("read server stdout: %w", err)
			}
			return "", fmt.Errorf("server exited before printing its URL:\n%s", strings.Join(captured, "\n"))
		}

		line := scanner.Text()
		if len(captured) < 64 {
			captured = append(captured, line)
		}

		if url, found := strings.CutPrefix(line, serverURLPrefix); found {
			url = strings.TrimSpace(url)
			log.Info("opencode server started", zap.String("url", url))
			go func() {
				for scanner.Scan() {
				}
			}()
			return url, nil
		}
	}

	tail := captured
	if len(tail) > 12 {
		tail = tail[len(tail)-12:]
	}
	return "", fmt.Errorf("timed out waiting for server URL:\n%s", strings.Join(tail, "\n"))
}
