package telemetry

import (
	"sync"
	"time"

	"lumentree/pkg/protocol/lumentree/runtime"
)

// DefaultWindowSize keeps one hour of samples at the 5s poll period.
const DefaultWindowSize = 720

// window is a fixed-size ring, oldest sample at head.
type window struct {
	buf  []runtime.TelemetrySample
	head int
	n    int
}

func newWindow(size int) *window {
	return &window{buf: make([]runtime.TelemetrySample, size)}
}

func (w *window) add(sample runtime.TelemetrySample) {
	if w.n < len(w.buf) {
		w.buf[(w.head+w.n)%len(w.buf)] = sample
		w.n++
		return
	}
	w.buf[w.head] = sample
	w.head = (w.head + 1) % len(w.buf)
}

func (w *window) at(i int) runtime.TelemetrySample {
	return w.buf[(w.head+i)%len(w.buf)]
}

// Store holds a rolling window per device. It is the only retention of
// telemetry; nothing is persisted.
type Store struct {
	mu      sync.RWMutex
	size    int
	windows map[string]*window
}

func NewStore(size int) *Store {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Store{
		size:    size,
		windows: make(map[string]*window),
	}
}

// Consume adds sample to its device's window, evicting the oldest when full.
func (s *Store) Consume(sample runtime.TelemetrySample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[sample.DeviceId]
	if !ok {
		w = newWindow(s.size)
		s.windows[sample.DeviceId] = w
	}
	w.add(sample)
}

func (s *Store) Latest(deviceId string) (runtime.TelemetrySample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[deviceId]
	if !ok || w.n == 0 {
		return runtime.TelemetrySample{}, false
	}
	return w.at(w.n - 1), true
}

// Window returns a copy of the samples taken at or after since, oldest first.
// A zero since returns the whole window.
func (s *Store) Window(deviceId string, since time.Time) []runtime.TelemetrySample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[deviceId]
	if !ok {
		return []runtime.TelemetrySample{}
	}
	samples := make([]runtime.TelemetrySample, 0, w.n)
	for i := 0; i < w.n; i++ {
		sample := w.at(i)
		if !since.IsZero() && sample.Timestamp.Before(since) {
			continue
		}
		samples = append(samples, sample)
	}
	return samples
}

func (s *Store) Len(deviceId string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.windows[deviceId]; ok {
		return w.n
	}
	return 0
}

func (s *Store) Forget(deviceId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, deviceId)
}
