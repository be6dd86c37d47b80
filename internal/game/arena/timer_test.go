package arena

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFuseTimer_Fires(t *testing.T) {
	var fired atomic.Bool
	done := make(chan struct{})
	NewFuseTimer(10*time.Millisecond, func() {
		fired.Store(true)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	assert.True(t, fired.Load())
}

func TestFuseTimer_Stop(t *testing.T) {
	var fired atomic.Bool
	ft := NewFuseTimer(20*time.Millisecond, func() { fired.Store(true) })
	ft.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestFuseTimer_StopIdempotent(t *testing.T) {
	ft := NewFuseTimer(20*time.Millisecond, func() {})
	ft.Stop()
	ft.Stop()
}
