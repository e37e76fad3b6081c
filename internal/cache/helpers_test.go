package cache

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const testTimeout = 10 * time.Second

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func testOptions(dir string) Options {
	return Options{
		Dir:             dir,
		MaxBytes:        64 << 20,
		Optimistic:      true,
		Workers:         2,
		IndexFlushDelay: time.Hour,
		Logger:          quietLogger(),
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func startClient(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := Start(testContext(t), opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func newTestClient(t *testing.T, mutate ...func(*Options)) *Client {
	t.Helper()
	opts := testOptions(t.TempDir())
	for _, fn := range mutate {
		fn(&opts)
	}
	return startClient(t, opts)
}

// onSequence runs fn on the backend sequence and waits for it.
func onSequence(t *testing.T, b *Backend, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, b.Post(func() {
		defer close(done)
		fn()
	}))
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for the backend sequence")
	}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a callback")
	}
	var zero T
	return zero
}

// writeEntry creates key with the given streams and closes it.
func writeEntry(t *testing.T, c *Client, key string, stream0, stream1 []byte) {
	t.Helper()
	ctx := testContext(t)
	h, err := c.Create(ctx, key)
	require.NoError(t, err)
	if stream0 != nil {
		_, err = h.Write(ctx, 0, 0, stream0, true)
		require.NoError(t, err)
	}
	if stream1 != nil {
		_, err = h.Write(ctx, 1, 0, stream1, true)
		require.NoError(t, err)
	}
	require.NoError(t, h.Close())
}
