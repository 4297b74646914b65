package device

import (
	"context"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"
	"k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"lumentree/pkg/apis"
	"lumentree/pkg/protocol/lumentree"
	lumentreeruntime "lumentree/pkg/protocol/lumentree/runtime"
	"lumentree/pkg/runtime"
	"lumentree/pkg/storage"
	"lumentree/pkg/telemetry"
	"lumentree/pkg/utils/differenceutil"
)

type Option func(*Manager)

func WithRepublisher(r Republisher) Option {
	return func(m *Manager) {
		m.republisher = r
	}
}

// WithBackoff sets the reconnect schedule. maxAttempts of 0 retries forever.
func WithBackoff(backoff wait.Backoff, maxAttempts int) Option {
	return func(m *Manager) {
		m.backoff = backoff
		m.maxAttempts = maxAttempts
	}
}

func WithSessionOptions(opts ...lumentree.SessionOption) Option {
	return func(m *Manager) {
		m.sessionOpts = append(m.sessionOpts, opts...)
	}
}

// WithDefaultSpec is applied to devices watched without an explicit spec.
func WithDefaultSpec(spec runtime.DeviceSpec) Option {
	return func(m *Manager) {
		m.defaultSpec = spec
	}
}

// WithStorage persists the spec of every watched device so Restore can pick
// them up after a restart.
func WithStorage(s storage.Storage) Option {
	return func(m *Manager) {
		m.storage = s
	}
}

func WithCloser(closer runtime.LabeledCloser) Option {
	return func(m *Manager) {
		m.closers = append(m.closers, closer)
	}
}

// Manager owns one Session per watched device and fans their samples out to
// the telemetry store and the republisher.
type Manager struct {
	mu           *sync.Mutex
	newTransport lumentree.TransportFactory
	store        *telemetry.Store
	republisher  Republisher
	storage      storage.Storage
	backoff      wait.Backoff
	maxAttempts  int
	sessionOpts  []lumentree.SessionOption
	defaultSpec  runtime.DeviceSpec
	devices      map[string]*watched
	closers      []runtime.LabeledCloser
	stopped      bool

	ctx    context.Context
	cancel context.CancelFunc

	samples *atomic.Uint64
}

func NewManager(newTransport lumentree.TransportFactory, store *telemetry.Store, opts ...Option) *Manager {
	m := &Manager{
		mu:           &sync.Mutex{},
		newTransport: newTransport,
		store:        store,
		backoff:      lumentree.DefaultBackoff,
		devices:      make(map[string]*watched),
		samples:      atomic.NewUint64(0),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

type watched struct {
	id        string
	session   *lumentree.Session
	watchedAt time.Time

	mu          sync.Mutex
	spec        runtime.DeviceSpec
	reconnector *lumentree.Reconnector

	republish  *atomic.Bool
	version    *atomic.Uint64
	lastSample *atomic.Int64
}

func (w *watched) getSpec() runtime.DeviceSpec {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.spec
}

func (w *watched) onStateChange(deviceId string, from, to lumentreeruntime.SessionState, err error) {
	w.mu.Lock()
	r := w.reconnector
	w.mu.Unlock()
	if r != nil {
		r.OnStateChange(deviceId, from, to, err)
	}
}

func (m *Manager) newWatched(id string, spec runtime.DeviceSpec) *watched {
	w := &watched{
		id:         id,
		watchedAt:  time.Now(),
		republish:  atomic.NewBool(false),
		version:    atomic.NewUint64(0),
		lastSample: atomic.NewInt64(0),
	}
	opts := append([]lumentree.SessionOption{}, m.sessionOpts...)
	opts = append(opts,
		lumentree.WithSink(lumentree.SampleSinkFunc(func(sample lumentreeruntime.TelemetrySample) {
			m.consume(w, sample)
		})),
		lumentree.WithStateHook(w.onStateChange),
	)
	w.session = lumentree.NewSession(m.newTransport, opts...)
	m.applySpec(w, spec)
	return w
}

// consume runs inside the device's session.
func (m *Manager) consume(w *watched, sample lumentreeruntime.TelemetrySample) {
	m.store.Consume(sample)
	m.samples.Inc()
	w.lastSample.Store(sample.Timestamp.UnixNano())
	if w.republish.Load() && m.republisher != nil {
		m.republisher.Republish(sample)
	}
}

// applySpec stores spec and starts or stops the reconnector to match it.
func (m *Manager) applySpec(w *watched, spec runtime.DeviceSpec) {
	w.mu.Lock()
	w.spec = spec
	w.version.Inc()
	w.republish.Store(spec.Republish)
	var stale *lumentree.Reconnector
	switch {
	case spec.Reconnect && w.reconnector == nil:
		w.reconnector = lumentree.NewReconnector(w.session, w.id, m.backoff, m.maxAttempts)
		w.reconnector.Start(m.ctx)
		klog.V(2).InfoS("Reconnect enabled", "deviceId", w.id)
	case !spec.Reconnect && w.reconnector != nil:
		stale = w.reconnector
		w.reconnector = nil
	}
	w.mu.Unlock()
	// Stop waits for a Start in flight, which calls back into onStateChange.
	if stale != nil {
		stale.Stop()
		klog.V(2).InfoS("Reconnect disabled", "deviceId", w.id)
	}
}

func (m *Manager) persist(w *watched) {
	if m.storage == nil {
		return
	}
	if err := m.storage.Put(&storage.DeviceRecord{Id: w.id, Spec: w.getSpec()}); err != nil {
		klog.V(2).InfoS("Failed to persist device", "deviceId", w.id, "error", err)
	}
}

// resume reports whether w is kept running by a reconnector, replacing one
// that gave up.
func (m *Manager) resume(w *watched) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.spec.Reconnect {
		return false
	}
	if w.reconnector == nil || w.reconnector.Exited() {
		w.reconnector = lumentree.NewReconnector(w.session, w.id, m.backoff, m.maxAttempts)
		w.reconnector.Start(m.ctx)
	}
	return true
}

// Watch starts collecting from deviceId. A nil spec keeps the current spec
// of an already watched device, or the default one for a new device. With
// reconnect enabled the first connect runs in the background and Watch
// returns at once.
func (m *Manager) Watch(ctx context.Context, deviceId string, spec *runtime.DeviceSpec) error {
	if len(deviceId) == 0 {
		return lumentreeruntime.ErrEmptyDeviceId
	}
	if errs := runtime.ValidateDeviceId(deviceId, field.NewPath("id")); len(errs) > 0 {
		return errs.ToAggregate()
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrManagerStopped
	}
	w, exist := m.devices[deviceId]
	if !exist {
		s := m.defaultSpec
		if spec != nil {
			s = *spec
		}
		w = m.newWatched(deviceId, s)
		m.devices[deviceId] = w
		klog.V(1).InfoS("Watching device", "deviceId", deviceId, "reconnect", s.Reconnect, "republish", s.Republish)
	}
	m.mu.Unlock()

	switch {
	case !exist:
		m.persist(w)
	case spec != nil && *spec != w.getSpec():
		m.applySpec(w, *spec)
		m.persist(w)
	}
	if m.resume(w) {
		return nil
	}
	return w.session.Start(ctx, deviceId)
}

// Unwatch stops the device's session. Its samples stay in the store until
// Forget.
func (m *Manager) Unwatch(deviceId string) error {
	m.mu.Lock()
	w, exist := m.devices[deviceId]
	if !exist {
		m.mu.Unlock()
		return os.ErrNotExist
	}
	delete(m.devices, deviceId)
	m.mu.Unlock()

	m.stopWatched(w)
	if m.storage != nil {
		if err := m.storage.Delete(deviceId); err != nil && !os.IsNotExist(err) {
			klog.V(2).InfoS("Failed to delete device record", "deviceId", deviceId, "error", err)
		}
	}
	klog.V(1).InfoS("Unwatched device", "deviceId", deviceId)
	return nil
}

func (m *Manager) stopWatched(w *watched) {
	w.mu.Lock()
	r := w.reconnector
	w.reconnector = nil
	w.mu.Unlock()
	if r != nil {
		r.Stop()
	}
	w.session.Stop()
}

// Forget drops the stored samples of a device that is no longer watched.
func (m *Manager) Forget(deviceId string) {
	m.store.Forget(deviceId)
}

// Switch moves collection from one device to another. from may be empty or
// not watched.
func (m *Manager) Switch(ctx context.Context, from, to string, spec *runtime.DeviceSpec) error {
	if from != to && len(from) > 0 {
		if err := m.Unwatch(from); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return m.Watch(ctx, to, spec)
}

// UpdateSpec replaces the spec of a watched device when version matches the
// current one.
func (m *Manager) UpdateSpec(deviceId string, version string, spec runtime.DeviceSpec) (*runtime.DeviceStatus, error) {
	w, err := m.get(deviceId)
	if err != nil {
		return nil, err
	}
	if version != strconv.FormatUint(w.version.Load(), 10) {
		return nil, apis.ErrMismatch
	}
	m.applySpec(w, spec)
	m.persist(w)
	return m.statusOf(w), nil
}

func (m *Manager) get(deviceId string) (*watched, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, exist := m.devices[deviceId]
	if !exist {
		return nil, os.ErrNotExist
	}
	return w, nil
}

func (m *Manager) GetDeviceById(deviceId string) (*runtime.DeviceStatus, error) {
	w, err := m.get(deviceId)
	if err != nil {
		return nil, err
	}
	return m.statusOf(w), nil
}

func (m *Manager) ListDevices(filter *runtime.DeviceFilter) []*runtime.DeviceStatus {
	m.mu.Lock()
	ws := make([]*watched, 0, len(m.devices))
	for _, w := range m.devices {
		ws = append(ws, w)
	}
	m.mu.Unlock()

	predicates := runtime.ParseDeviceFilter(filter)
	byWatchedAt := func(d1, d2 *runtime.DeviceStatus) bool { return d1.WatchedAt.Before(d2.WatchedAt) }
	byId := func(d1, d2 *runtime.DeviceStatus) bool { return d1.Id < d2.Id }
	sorter := runtime.ByDevice(byWatchedAt, byId)

	statuses := make([]*runtime.DeviceStatus, 0, len(ws))
	for _, w := range ws {
		st := m.statusOf(w)
		if runtime.Match(st, predicates) {
			statuses = sorter.Insert(statuses, st)
		}
	}
	return statuses
}

func (m *Manager) statusOf(w *watched) *runtime.DeviceStatus {
	snap := w.session.Snapshot()
	st := &runtime.DeviceStatus{
		Id:              w.id,
		Version:         strconv.FormatUint(w.version.Load(), 10),
		Spec:            w.getSpec(),
		State:           snap.State,
		Online:          snap.State == lumentreeruntime.Polling,
		ConnectAttempts: snap.ConnectAttempts,
		LastError:       snap.LastError,
		DecodeFailures:  snap.DecodeFailures,
		Samples:         m.store.Len(w.id),
		WatchedAt:       w.watchedAt,
	}
	if ns := w.lastSample.Load(); ns > 0 {
		at := time.Unix(0, ns)
		st.LastSampleAt = &at
	}
	return st
}

func (m *Manager) online(deviceId string) bool {
	w, err := m.get(deviceId)
	if err != nil {
		return false
	}
	return w.session.State() == lumentreeruntime.Polling
}

// Latest returns the newest sample of deviceId, watched or not.
func (m *Manager) Latest(deviceId string) (telemetry.SampleView, bool) {
	sample, ok := m.store.Latest(deviceId)
	if !ok {
		return telemetry.SampleView{}, false
	}
	return telemetry.NewSampleView(sample, m.online(deviceId)), true
}

func (m *Manager) Window(deviceId string, since time.Time) []lumentreeruntime.TelemetrySample {
	return m.store.Window(deviceId, since)
}

// Known reports whether deviceId is watched or still has stored samples.
func (m *Manager) Known(deviceId string) bool {
	if _, err := m.get(deviceId); err == nil {
		return true
	}
	return m.store.Len(deviceId) > 0
}

// SamplesTotal counts samples received across all devices.
func (m *Manager) SamplesTotal() uint64 {
	return m.samples.Load()
}

// Restore watches the stored devices with their stored spec plus the
// configured ones not stored yet with the default spec. A device failing to
// start stays listed; its error is part of the returned aggregate.
func (m *Manager) Restore(ctx context.Context, configured []string) error {
	specs := make(map[string]runtime.DeviceSpec)
	stored := make([]string, 0)
	if m.storage != nil {
		records, err := m.storage.List()
		if err != nil {
			return err
		}
		for _, record := range records {
			specs[record.Id] = record.Spec
			stored = append(stored, record.Id)
		}
	}
	onlyStored, both, onlyConfigured := differenceutil.DifferenceAndIntersectionStrings(stored, configured)
	klog.V(1).InfoS("Restoring devices", "stored", len(onlyStored)+len(both), "configured", len(onlyConfigured))

	ids := append(append(onlyStored, both...), onlyConfigured...)
	sort.Strings(ids)
	var errs []error
	for _, id := range ids {
		var spec *runtime.DeviceSpec
		if s, ok := specs[id]; ok {
			spec = &s
		}
		if err := m.Watch(ctx, id, spec); err != nil {
			klog.V(2).InfoS("Failed to restore device", "deviceId", id, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.NewAggregate(errs)
}

// Shutdown stops every session, then runs the closers in reverse order.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	ws := make([]*watched, 0, len(m.devices))
	for id, w := range m.devices {
		ws = append(ws, w)
		delete(m.devices, id)
	}
	m.mu.Unlock()

	m.cancel()
	for _, w := range ws {
		m.stopWatched(w)
	}
	klog.V(1).InfoS("Stopped all sessions", "devices", len(ws))

	var errs []error
	if m.republisher != nil {
		if err := m.republisher.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(m.closers) - 1; i >= 0; i-- {
		closer := m.closers[i]
		if err := closer.Closer(ctx); err != nil {
			klog.V(2).InfoS("Failed to close", "label", closer.Label, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.NewAggregate(errs)
}
