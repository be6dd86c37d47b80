package server

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestHealthService_ProbesUntilStopped(t *testing.T) {
	var probes atomic.Int64
	svc := NewHealthService("volatile", func(context.Context, time.Duration) error {
		probes.Add(1)
		return nil
	}, 20*time.Millisecond, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() { done <- svc.Start() }()

	assert.Eventually(t, func() bool { return probes.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	svc.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("health service did not stop")
	}
}

func TestHealthService_FailuresAreNonFatal(t *testing.T) {
	var probes atomic.Int64
	svc := NewHealthService("durable", func(context.Context, time.Duration) error {
		probes.Add(1)
		return errors.New("store down")
	}, 20*time.Millisecond, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() { done <- svc.Start() }()

	// Keeps probing through failures.
	assert.Eventually(t, func() bool { return probes.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	svc.Stop()
	assert.NoError(t, <-done)
}
