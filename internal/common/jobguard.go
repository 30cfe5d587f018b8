package common

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// WithWallClock derives a context that expires after limit, plus a hard
// backstop: if the process is still alive grace after the limit, the whole
// process group receives SIGTERM. Headless Chrome children ignore a plain
// context cancellation; the group signal takes them down with the job.
func WithWallClock(parent context.Context, limit, grace time.Duration, logger zerolog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, limit)

	backstop := time.AfterFunc(limit+grace, func() {
		logger.Error().
			Dur("limit", limit).
			Dur("grace", grace).
			Msg("Wall clock expired, terminating process group")
		killProcessGroup()
	})

	return ctx, func() {
		backstop.Stop()
		cancel()
	}
}

func killProcessGroup() {
	pgid, err := syscall.Getpgid(os.Getpid())
	if err != nil {
		_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
}
