package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

// acquireFileLock takes an exclusive flock on path, polling until timeout.
// flock locks belong to the open file description, so two opens of the same
// lock file conflict even inside one process.
func acquireFileLock(ctx context.Context, path string, timeout time.Duration) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open lock file %s: %w", ErrIOFailure, path, err)
	}

	fd := int(f.Fd())
	op := func() error {
		err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = timeout

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		f.Close()
		switch {
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%w: %w", ErrLockTimeout, ctx.Err())
		case errors.Is(err, unix.EWOULDBLOCK), errors.Is(err, unix.EINTR):
			return nil, fmt.Errorf("%w: %s held for more than %s", ErrLockTimeout, path, timeout)
		default:
			return nil, fmt.Errorf("%w: flock %s: %w", ErrIOFailure, path, err)
		}
	}

	return func() {
		_ = unix.Flock(fd, unix.LOCK_UN)
		_ = f.Close()
	}, nil
}
