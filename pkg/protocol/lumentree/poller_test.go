package lumentree

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/atomic"
)

func TestPollerTicksImmediately(t *testing.T) {
	ticks := make(chan struct{}, 1)
	p := StartPoller(time.Hour, func() {
		ticks <- struct{}{}
	})
	defer p.Stop()

	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("expected an immediate tick")
	}
}

func TestPollerTicksPeriodically(t *testing.T) {
	count := atomic.NewInt32(0)
	p := StartPoller(10*time.Millisecond, func() {
		count.Inc()
	})
	defer p.Stop()

	assert.Eventually(t, func() bool {
		return count.Load() >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestPollerStopIsSynchronous(t *testing.T) {
	count := atomic.NewInt32(0)
	p := StartPoller(time.Millisecond, func() {
		count.Inc()
	})
	assert.Eventually(t, func() bool {
		return count.Load() > 0
	}, time.Second, time.Millisecond)

	p.Stop()
	stopped := count.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, count.Load())

	select {
	case <-p.Done():
	default:
		t.Fatal("done channel not closed after Stop")
	}
	p.Stop()
}

func TestPollerCancelBeforeFirstTick(t *testing.T) {
	release := make(chan struct{})
	count := atomic.NewInt32(0)
	p := StartPoller(time.Millisecond, func() {
		<-release
		count.Inc()
	})
	p.Cancel()
	close(release)
	<-p.Done()
	assert.LessOrEqual(t, count.Load(), int32(1))
}
