package lumentree

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/atomic"
	"k8s.io/klog/v2"
	"lumentree/pkg/protocol/lumentree/runtime"
	"lumentree/pkg/utils/uuidutil"
)

// Transport is the pub/sub connection a session drives. Implementations must
// bound Connect and Subscribe by ctx.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topic string, handler func(payload []byte)) error
	Publish(topic string, payload []byte) error
	Close()
}

// TransportFactory creates a transport for deviceId. onLost must be called
// at most once when an established connection drops.
type TransportFactory func(deviceId string, onLost func(err error)) (Transport, error)

// SampleSink receives every decoded sample. Consume runs inside the session
// lock and must not block or call back into the session.
type SampleSink interface {
	Consume(sample runtime.TelemetrySample)
}

type SampleSinkFunc func(sample runtime.TelemetrySample)

func (f SampleSinkFunc) Consume(sample runtime.TelemetrySample) {
	f(sample)
}

// StateHook observes transitions. It runs inside the session lock.
type StateHook func(deviceId string, from, to runtime.SessionState, err error)

type SessionOption func(*Session)

func WithSink(sink SampleSink) SessionOption {
	return func(s *Session) {
		s.sink = sink
	}
}

func WithStateHook(hook StateHook) SessionOption {
	return func(s *Session) {
		s.onStateChange = hook
	}
}

func WithPollInterval(interval time.Duration) SessionOption {
	return func(s *Session) {
		s.pollInterval = interval
	}
}

func WithPollWindow(start, count uint16) SessionOption {
	return func(s *Session) {
		s.pollStart = start
		s.pollCount = count
	}
}

// WithConnectTimeout bounds connect plus subscribe of one Start. Over MQTT
// it should be MqttConfig.StartTimeout so every broker gets its turn.
func WithConnectTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.connectTimeout = timeout
	}
}

func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		s.now = now
	}
}

// Session runs the connect, subscribe and poll cycle for one device at a time.
// All state lives behind mu. Every transport and poller callback carries the
// generation it was issued for and is dropped once the generation moves on.
type Session struct {
	mu             sync.Mutex
	newTransport   TransportFactory
	sink           SampleSink
	onStateChange  StateHook
	pollInterval   time.Duration
	pollStart      uint16
	pollCount      uint16
	connectTimeout time.Duration
	now            func() time.Time

	deviceId        string
	state           runtime.SessionState
	connectAttempts uint
	lastError       error
	transport       Transport
	poller          *Poller

	generation     *atomic.Uint64
	decodeFailures *atomic.Uint64
}

func NewSession(newTransport TransportFactory, opts ...SessionOption) *Session {
	s := &Session{
		newTransport:   newTransport,
		pollInterval:   runtime.PollInterval,
		pollStart:      runtime.PollStartRegister,
		pollCount:      runtime.PollRegisterCount,
		connectTimeout: runtime.ConnectTimeout,
		now:            time.Now,
		state:          runtime.Disconnected,
		generation:     atomic.NewUint64(0),
		decodeFailures: atomic.NewUint64(0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start connects to deviceId, subscribes to its report topic and begins
// polling. It blocks until the session is Polling or has failed. Starting the
// device that is already Polling is a no-op; any other current session is
// torn down first.
func (s *Session) Start(ctx context.Context, deviceId string) error {
	if deviceId == "" {
		return runtime.ErrEmptyDeviceId
	}

	s.mu.Lock()
	if s.deviceId == deviceId {
		switch s.state {
		case runtime.Polling:
			s.mu.Unlock()
			return nil
		case runtime.Connecting, runtime.Subscribing:
			s.mu.Unlock()
			return runtime.ErrStartInProgress
		}
	} else {
		if s.state != runtime.Disconnected {
			klog.V(1).InfoS("Switching device", "from", s.deviceId, "to", deviceId)
		}
		s.connectAttempts = 0
	}
	old := s.detachLocked()
	gen := s.generation.Inc()
	s.deviceId = deviceId
	s.lastError = nil
	s.connectAttempts++
	s.setStateLocked(runtime.Connecting, nil)
	s.mu.Unlock()
	old.run()

	transport, err := s.newTransport(deviceId, func(err error) {
		s.Dispatch(gen, runtime.Event{Kind: runtime.EventTransportClosed, Err: err})
	})
	if err != nil {
		return s.fail(gen, "connect", err)
	}
	if !s.attach(gen, transport) {
		transport.Close()
		return runtime.ErrSessionSuperseded
	}

	ctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	if err := transport.Connect(ctx); err != nil {
		return s.fail(gen, "connect", err)
	}
	if !s.Dispatch(gen, runtime.Event{Kind: runtime.EventConnected}) {
		return runtime.ErrSessionSuperseded
	}

	err = transport.Subscribe(ctx, runtime.SubscribeTopic(deviceId), func(payload []byte) {
		s.Dispatch(gen, runtime.Event{Kind: runtime.EventMessageReceived, Payload: payload})
	})
	if err != nil {
		return s.fail(gen, "subscribe", err)
	}
	if !s.Dispatch(gen, runtime.Event{Kind: runtime.EventSubscribed}) {
		return runtime.ErrSessionSuperseded
	}
	return s.outcome(gen)
}

// Stop tears the session down to Disconnected. On return the poller has
// exited and callbacks from the old transport are ignored.
func (s *Session) Stop() {
	s.mu.Lock()
	old := s.detachLocked()
	s.generation.Inc()
	if s.state != runtime.Disconnected {
		s.setStateLocked(runtime.Disconnected, nil)
	}
	s.mu.Unlock()
	old.run()
}

// Dispatch feeds ev into the state machine if gen is still current and
// reports whether it was applied.
func (s *Session) Dispatch(gen uint64, ev runtime.Event) bool {
	s.mu.Lock()
	if gen != s.generation.Load() {
		s.mu.Unlock()
		klog.V(5).InfoS("Dropping stale event", "event", ev.Kind, "generation", gen)
		return false
	}
	after := s.transitionLocked(gen, ev)
	s.mu.Unlock()
	if after != nil {
		after()
	}
	return true
}

func (s *Session) transitionLocked(gen uint64, ev runtime.Event) func() {
	switch ev.Kind {
	case runtime.EventConnected:
		if s.state == runtime.Connecting {
			s.setStateLocked(runtime.Subscribing, nil)
		}
	case runtime.EventSubscribed:
		if s.state == runtime.Subscribing {
			s.setStateLocked(runtime.Polling, nil)
			if s.poller != nil {
				s.poller.Cancel()
			}
			s.poller = StartPoller(s.pollInterval, func() {
				s.Dispatch(gen, runtime.Event{Kind: runtime.EventPollTick})
			})
		}
	case runtime.EventPollTick:
		if s.state == runtime.Polling {
			return s.pollLocked(gen)
		}
	case runtime.EventMessageReceived:
		if s.state == runtime.Polling {
			s.receiveLocked(ev.Payload)
		} else {
			klog.V(4).InfoS("Dropping message outside polling", "deviceId", s.deviceId, "state", s.state)
		}
	case runtime.EventTransportClosed:
		err := ev.Err
		if err == nil {
			err = runtime.ErrTransportClosed
		}
		return s.failLocked(&runtime.TransportError{Op: "connection", Err: err})
	case runtime.EventTransportError:
		return s.failLocked(ev.Err)
	}
	return nil
}

func (s *Session) pollLocked(gen uint64) func() {
	transport := s.transport
	topic := runtime.PublishTopic(s.deviceId)
	frame := BuildReadRequest(s.pollStart, s.pollCount)
	deviceId := s.deviceId
	return func() {
		klog.V(4).InfoS("Polling device", "deviceId", deviceId, "topic", topic)
		klog.V(5).InfoS("Request frame", "deviceId", deviceId, "frame", hex.EncodeToString(frame))
		if err := transport.Publish(topic, frame); err != nil {
			s.Dispatch(gen, runtime.Event{
				Kind: runtime.EventTransportError,
				Err:  &runtime.TransportError{Op: "publish", Err: err},
			})
		}
	}
}

func (s *Session) receiveLocked(payload []byte) {
	klog.V(5).InfoS("Response frame", "deviceId", s.deviceId, "frame", hex.EncodeToString(payload))
	table, err := DecodeResponse(payload)
	if err != nil {
		s.decodeFailures.Inc()
		klog.V(2).InfoS("Failed to decode response", "deviceId", s.deviceId, "error", err)
		return
	}
	sample := DeriveSample(table, s.now())
	sample.Id = uuidutil.ShortUUID()
	sample.DeviceId = s.deviceId
	if s.sink != nil {
		s.sink.Consume(sample)
	}
}

// failLocked moves an active session to Failed. The returned func closes the
// transport outside the lock.
func (s *Session) failLocked(err error) func() {
	switch s.state {
	case runtime.Connecting, runtime.Subscribing, runtime.Polling:
	default:
		return nil
	}
	s.generation.Inc()
	s.lastError = err
	if s.poller != nil {
		s.poller.Cancel()
	}
	transport := s.transport
	s.transport = nil
	s.setStateLocked(runtime.Failed, err)
	if transport == nil {
		return nil
	}
	return transport.Close
}

func (s *Session) fail(gen uint64, op string, err error) error {
	terr := &runtime.TransportError{Op: op, Err: err}
	if !s.Dispatch(gen, runtime.Event{Kind: runtime.EventTransportError, Err: terr}) {
		return runtime.ErrSessionSuperseded
	}
	return terr
}

func (s *Session) attach(gen uint64, transport Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation.Load() {
		return false
	}
	s.transport = transport
	return true
}

func (s *Session) outcome(gen uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation.Load() {
		if s.lastError != nil && s.state == runtime.Failed {
			return s.lastError
		}
		return runtime.ErrSessionSuperseded
	}
	return nil
}

type teardown struct {
	poller    *Poller
	transport Transport
}

func (t teardown) run() {
	if t.poller != nil {
		t.poller.Stop()
	}
	if t.transport != nil {
		t.transport.Close()
	}
}

func (s *Session) detachLocked() teardown {
	old := teardown{poller: s.poller, transport: s.transport}
	s.poller = nil
	s.transport = nil
	return old
}

func (s *Session) setStateLocked(to runtime.SessionState, err error) {
	from := s.state
	s.state = to
	if err != nil {
		klog.V(2).InfoS("Session state changed", "deviceId", s.deviceId, "from", from, "to", to, "error", err)
	} else {
		klog.V(2).InfoS("Session state changed", "deviceId", s.deviceId, "from", from, "to", to)
	}
	if s.onStateChange != nil {
		s.onStateChange(s.deviceId, from, to, err)
	}
}

func (s *Session) State() runtime.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) DeviceId() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceId
}

func (s *Session) Generation() uint64 {
	return s.generation.Load()
}

func (s *Session) Snapshot() runtime.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := runtime.SessionSnapshot{
		DeviceId:        s.deviceId,
		State:           s.state,
		ConnectAttempts: s.connectAttempts,
		Generation:      s.generation.Load(),
		DecodeFailures:  s.decodeFailures.Load(),
	}
	if s.lastError != nil {
		snap.LastError = s.lastError.Error()
	}
	return snap
}
