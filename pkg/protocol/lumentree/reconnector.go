package lumentree

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"lumentree/pkg/protocol/lumentree/runtime"
)

// DefaultBackoff is the retry schedule used when none is configured.
var DefaultBackoff = wait.Backoff{
	Duration: 2 * time.Second,
	Factor:   2,
	Jitter:   0.1,
	Steps:    6,
	Cap:      time.Minute,
}

// Reconnector keeps one device's session running by calling Start again,
// with backoff, whenever the session fails. The session itself never retries.
type Reconnector struct {
	session     *Session
	deviceId    string
	backoff     wait.Backoff
	maxAttempts int

	failedCh chan struct{}
	cancel   context.CancelFunc
	doneCh   chan struct{}
	attempts *atomic.Uint64
}

// NewReconnector wires a reconnector for deviceId. OnStateChange must be
// registered as (or called from) the session's StateHook. maxAttempts of 0
// retries until stopped.
func NewReconnector(session *Session, deviceId string, backoff wait.Backoff, maxAttempts int) *Reconnector {
	return &Reconnector{
		session:     session,
		deviceId:    deviceId,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		failedCh:    make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
		attempts:    atomic.NewUint64(0),
	}
}

// OnStateChange is a StateHook. It never blocks.
func (r *Reconnector) OnStateChange(deviceId string, _, to runtime.SessionState, _ error) {
	if deviceId != r.deviceId || to != runtime.Failed {
		return
	}
	select {
	case r.failedCh <- struct{}{}:
	default:
	}
}

func (r *Reconnector) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go r.run(ctx)
}

// Stop ends the loop and waits for it. The session is left as is.
func (r *Reconnector) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.doneCh
}

// Exited reports whether the loop has ended, by Stop or by giving up.
func (r *Reconnector) Exited() bool {
	select {
	case <-r.doneCh:
		return true
	default:
		return false
	}
}

// Attempts counts Start calls made so far.
func (r *Reconnector) Attempts() uint64 {
	return r.attempts.Load()
}

func (r *Reconnector) run(ctx context.Context) {
	defer close(r.doneCh)
	backoff := r.backoff
	failures := 0
	for {
		r.drain()
		r.attempts.Inc()
		err := r.session.Start(ctx, r.deviceId)
		switch {
		case err == nil:
			backoff = r.backoff
			failures = 0
			if !r.waitFailure(ctx) {
				return
			}
		case errors.Is(err, runtime.ErrSessionSuperseded), errors.Is(err, runtime.ErrEmptyDeviceId):
			klog.V(2).InfoS("Stopped reconnecting", "deviceId", r.deviceId, "error", err)
			return
		default:
			failures++
			klog.V(2).InfoS("Failed to start session", "deviceId", r.deviceId, "attempt", failures, "error", err)
			if r.maxAttempts > 0 && failures >= r.maxAttempts {
				klog.V(1).InfoS("Giving up reconnecting", "deviceId", r.deviceId, "attempts", failures)
				return
			}
		}

		delay := backoff.Step()
		klog.V(4).InfoS("Reconnecting", "deviceId", r.deviceId, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (r *Reconnector) waitFailure(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-r.failedCh:
			if r.session.DeviceId() == r.deviceId && r.session.State() == runtime.Failed {
				return true
			}
		}
	}
}

func (r *Reconnector) drain() {
	select {
	case <-r.failedCh:
	default:
	}
}
