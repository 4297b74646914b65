package device

import (
	"context"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"lumentree/pkg/protocol/lumentree"
	lumentreeruntime "lumentree/pkg/protocol/lumentree/runtime"
	"lumentree/pkg/utils/binutil"
)

// stationTransport answers every poll with the station's reply frame.
type stationTransport struct {
	station *station
	onLost  func(err error)

	mu      sync.Mutex
	handler func(payload []byte)
	closed  bool
}

func (t *stationTransport) Connect(context.Context) error {
	t.station.mu.Lock()
	defer t.station.mu.Unlock()
	return t.station.connectErr
}

func (t *stationTransport) Subscribe(_ context.Context, _ string, handler func(payload []byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
	return nil
}

func (t *stationTransport) Publish(string, []byte) error {
	t.mu.Lock()
	handler, closed := t.handler, t.closed
	t.mu.Unlock()
	if closed {
		return lumentreeruntime.ErrNotConnected
	}
	t.station.mu.Lock()
	reply := t.station.reply
	t.station.mu.Unlock()
	if handler != nil && reply != nil {
		handler(reply)
	}
	return nil
}

func (t *stationTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

type station struct {
	mu         sync.Mutex
	reply      []byte
	connectErr error
	transports map[string][]*stationTransport
}

func newStation(reply []byte) *station {
	return &station{reply: reply, transports: make(map[string][]*stationTransport)}
}

func (s *station) factory(deviceId string, onLost func(err error)) (lumentree.Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &stationTransport{station: s, onLost: onLost}
	s.transports[deviceId] = append(s.transports[deviceId], t)
	return t, nil
}

func (s *station) setConnectErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr = err
}

func (s *station) count(deviceId string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transports[deviceId])
}

// lose drops the newest connection of deviceId.
func (s *station) lose(deviceId string, err error) {
	s.mu.Lock()
	ts := s.transports[deviceId]
	t := ts[len(ts)-1]
	s.mu.Unlock()
	t.onLost(err)
}

// responseFrame builds a full poll response with regs set and the rest zero.
func responseFrame(regs map[uint16]uint16) []byte {
	size := 2 * int(lumentreeruntime.PollRegisterCount)
	frame := make([]byte, 3+size)
	frame[0], frame[1], frame[2] = 0x01, 0x03, byte(size)
	for addr, v := range regs {
		binutil.WriteUint16(frame[3+2*int(addr):], v)
	}
	return frame
}

var chargingFrame = responseFrame(map[uint16]uint16{
	lumentreeruntime.RegGridVoltage:       2301,
	lumentreeruntime.RegPv1Voltage:        310,
	lumentreeruntime.RegPv1Power:          1200,
	lumentreeruntime.RegDeviceTemperature: 1355,
	lumentreeruntime.RegBatteryPercent:    80,
	lumentreeruntime.RegBatteryVoltage:    532,
	lumentreeruntime.RegGridPower:         uint16(0xFFFF - 149), // -150
	lumentreeruntime.RegBatteryPower:      uint16(0xFFFF - 319), // -320
	lumentreeruntime.RegLoadPower:         730,
})

type recordingRepublisher struct {
	mu      sync.Mutex
	samples []lumentreeruntime.TelemetrySample
	closed  bool
}

func (r *recordingRepublisher) Republish(sample lumentreeruntime.TelemetrySample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, sample)
}

func (r *recordingRepublisher) Close(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingRepublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

type mockToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *mockToken {
	t := &mockToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *mockToken) Wait() bool {
	<-t.done
	return true
}

func (t *mockToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *mockToken) Done() <-chan struct{} { return t.done }
func (t *mockToken) Error() error          { return t.err }

type publication struct {
	topic   string
	payload []byte
}

type mockClient struct {
	connectErr error

	mu          sync.Mutex
	opts        *mqtt.ClientOptions
	published   []publication
	disconnects int
}

func (c *mockClient) IsConnected() bool      { return true }
func (c *mockClient) IsConnectionOpen() bool { return true }
func (c *mockClient) Connect() mqtt.Token    { return doneToken(c.connectErr) }

func (c *mockClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
}

func (c *mockClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, publication{topic: topic, payload: payload.([]byte)})
	return doneToken(nil)
}

func (c *mockClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token {
	return doneToken(nil)
}

func (c *mockClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return doneToken(nil)
}

func (c *mockClient) Unsubscribe(...string) mqtt.Token        { return doneToken(nil) }
func (c *mockClient) AddRoute(string, mqtt.MessageHandler)    {}
func (c *mockClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func (c *mockClient) all() []publication {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publication(nil), c.published...)
}
