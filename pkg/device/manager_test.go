package device

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"
	"lumentree/pkg/apis"
	"lumentree/pkg/protocol/lumentree"
	lumentreeruntime "lumentree/pkg/protocol/lumentree/runtime"
	"lumentree/pkg/runtime"
	"lumentree/pkg/storage"
	"lumentree/pkg/telemetry"
)

var fastBackoff = wait.Backoff{Duration: 5 * time.Millisecond, Factor: 1, Steps: 1000}

func newTestManager(st *station, opts ...Option) *Manager {
	opts = append([]Option{
		WithSessionOptions(lumentree.WithPollInterval(10 * time.Millisecond)),
		WithBackoff(fastBackoff, 0),
	}, opts...)
	return NewManager(st.factory, telemetry.NewStore(16), opts...)
}

func online(m *Manager, id string) func() bool {
	return func() bool {
		st, err := m.GetDeviceById(id)
		return err == nil && st.Online
	}
}

func TestManagerWatchCollects(t *testing.T) {
	m := newTestManager(newStation(chargingFrame))
	defer m.Shutdown(context.Background())

	require.NoError(t, m.Watch(context.Background(), "P1234", nil))
	require.Eventually(t, func() bool {
		_, ok := m.Latest("P1234")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	view, _ := m.Latest("P1234")
	assert.Equal(t, "P1234", view.DeviceId)
	assert.True(t, view.Online)
	assert.Equal(t, lumentreeruntime.Charging, view.BatteryDirection)
	assert.Equal(t, 320, view.BatteryMagnitude)
	assert.Equal(t, -150, view.GridPower)
	assert.Equal(t, telemetry.BatteryHigh, view.BatteryLevel)
	require.NotNil(t, view.BatteryCurrent)
	assert.InDelta(t, 320/53.2, *view.BatteryCurrent, 1e-9)

	st, err := m.GetDeviceById("P1234")
	require.NoError(t, err)
	assert.Equal(t, lumentreeruntime.Polling, st.State)
	assert.Equal(t, "1", st.Version)
	assert.Equal(t, uint(1), st.ConnectAttempts)
	assert.NotNil(t, st.LastSampleAt)
	assert.Greater(t, st.Samples, 0)
	assert.Greater(t, m.SamplesTotal(), uint64(0))
}

func TestManagerWatchRejectsBadIds(t *testing.T) {
	m := newTestManager(newStation(chargingFrame))
	defer m.Shutdown(context.Background())

	assert.Equal(t, lumentreeruntime.ErrEmptyDeviceId, m.Watch(context.Background(), "", nil))
	assert.Error(t, m.Watch(context.Background(), "a/b", nil))
	assert.Empty(t, m.ListDevices(&runtime.DeviceFilter{}))
}

func TestManagerWatchIsIdempotent(t *testing.T) {
	st := newStation(chargingFrame)
	m := newTestManager(st)
	defer m.Shutdown(context.Background())

	require.NoError(t, m.Watch(context.Background(), "P1234", nil))
	require.NoError(t, m.Watch(context.Background(), "P1234", nil))
	assert.Equal(t, 1, st.count("P1234"))
	assert.Len(t, m.ListDevices(&runtime.DeviceFilter{}), 1)
}

func TestManagerUnwatchKeepsWindow(t *testing.T) {
	m := newTestManager(newStation(chargingFrame))
	defer m.Shutdown(context.Background())

	require.NoError(t, m.Watch(context.Background(), "P1234", nil))
	require.Eventually(t, func() bool { return len(m.Window("P1234", time.Time{})) > 0 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Unwatch("P1234"))
	_, err := m.GetDeviceById("P1234")
	assert.True(t, os.IsNotExist(err))
	assert.True(t, os.IsNotExist(m.Unwatch("P1234")))

	assert.True(t, m.Known("P1234"))
	view, ok := m.Latest("P1234")
	require.True(t, ok)
	assert.False(t, view.Online)

	m.Forget("P1234")
	assert.False(t, m.Known("P1234"))
}

func TestManagerConnectFailure(t *testing.T) {
	st := newStation(chargingFrame)
	refused := errors.New("connection refused")
	st.setConnectErr(refused)
	m := newTestManager(st)
	defer m.Shutdown(context.Background())

	err := m.Watch(context.Background(), "P1234", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, refused))

	status, err := m.GetDeviceById("P1234")
	require.NoError(t, err)
	assert.Equal(t, lumentreeruntime.Failed, status.State)
	assert.False(t, status.Online)
	assert.Contains(t, status.LastError, "connection refused")

	st.setConnectErr(nil)
	require.NoError(t, m.Watch(context.Background(), "P1234", nil))
	assert.True(t, online(m, "P1234")())
}

func TestManagerReconnectsUntilConnected(t *testing.T) {
	st := newStation(chargingFrame)
	st.setConnectErr(errors.New("connection refused"))
	m := newTestManager(st)
	defer m.Shutdown(context.Background())

	require.NoError(t, m.Watch(context.Background(), "P1234", &runtime.DeviceSpec{Reconnect: true}))
	require.Eventually(t, func() bool { return st.count("P1234") >= 3 }, 2*time.Second, time.Millisecond)
	assert.False(t, online(m, "P1234")())

	st.setConnectErr(nil)
	assert.Eventually(t, online(m, "P1234"), 2*time.Second, 5*time.Millisecond)
}

func TestManagerReconnectsAfterConnectionLost(t *testing.T) {
	st := newStation(chargingFrame)
	m := newTestManager(st)
	defer m.Shutdown(context.Background())

	require.NoError(t, m.Watch(context.Background(), "P1234", &runtime.DeviceSpec{Reconnect: true}))
	require.Eventually(t, online(m, "P1234"), 2*time.Second, 5*time.Millisecond)

	st.lose("P1234", errors.New("EOF"))
	assert.Eventually(t, func() bool {
		return st.count("P1234") == 2 && online(m, "P1234")()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManagerLostConnectionWithoutReconnect(t *testing.T) {
	st := newStation(chargingFrame)
	m := newTestManager(st)
	defer m.Shutdown(context.Background())

	require.NoError(t, m.Watch(context.Background(), "P1234", nil))
	st.lose("P1234", errors.New("EOF"))

	status, err := m.GetDeviceById("P1234")
	require.NoError(t, err)
	assert.Equal(t, lumentreeruntime.Failed, status.State)
	assert.Contains(t, status.LastError, "EOF")
	assert.Equal(t, 1, st.count("P1234"))
}

func TestManagerSwitch(t *testing.T) {
	st := newStation(chargingFrame)
	m := newTestManager(st)
	defer m.Shutdown(context.Background())

	require.NoError(t, m.Watch(context.Background(), "P1", nil))
	require.NoError(t, m.Switch(context.Background(), "P1", "P2", nil))

	_, err := m.GetDeviceById("P1")
	assert.True(t, os.IsNotExist(err))
	assert.True(t, online(m, "P2")())

	require.NoError(t, m.Switch(context.Background(), "gone", "P3", nil))
	assert.Len(t, m.ListDevices(&runtime.DeviceFilter{}), 2)
}

func TestManagerListDevicesFilter(t *testing.T) {
	st := newStation(chargingFrame)
	m := newTestManager(st)
	defer m.Shutdown(context.Background())

	require.NoError(t, m.Watch(context.Background(), "P1", nil))
	require.NoError(t, m.Watch(context.Background(), "P2", nil))
	st.setConnectErr(errors.New("refused"))
	require.Error(t, m.Watch(context.Background(), "Q1", nil))

	all := m.ListDevices(&runtime.DeviceFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, "P1", all[0].Id)
	assert.Equal(t, "Q1", all[2].Id)

	polling := m.ListDevices(&runtime.DeviceFilter{State: "polling"})
	assert.Len(t, polling, 2)

	offline := false
	failed := m.ListDevices(&runtime.DeviceFilter{Online: &offline})
	require.Len(t, failed, 1)
	assert.Equal(t, "Q1", failed[0].Id)

	byPrefix := m.ListDevices(&runtime.DeviceFilter{Id: map[string]interface{}{"startsWith": "P"}})
	assert.Len(t, byPrefix, 2)
}

func TestManagerUpdateSpec(t *testing.T) {
	rp := &recordingRepublisher{}
	m := newTestManager(newStation(chargingFrame), WithRepublisher(rp))
	defer m.Shutdown(context.Background())

	require.NoError(t, m.Watch(context.Background(), "P1234", nil))
	require.Eventually(t, func() bool { return m.store.Len("P1234") > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, rp.count())

	_, err := m.UpdateSpec("P1234", "7", runtime.DeviceSpec{Republish: true})
	assert.Equal(t, apis.ErrMismatch, err)
	_, err = m.UpdateSpec("nobody", "1", runtime.DeviceSpec{})
	assert.True(t, os.IsNotExist(err))

	status, err := m.UpdateSpec("P1234", "1", runtime.DeviceSpec{Republish: true})
	require.NoError(t, err)
	assert.Equal(t, "2", status.Version)
	assert.True(t, status.Spec.Republish)

	assert.Eventually(t, func() bool { return rp.count() > 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestManagerShutdown(t *testing.T) {
	rp := &recordingRepublisher{}
	var order []string
	closer := func(label string) runtime.LabeledCloser {
		return runtime.LabeledCloser{Label: label, Closer: func(context.Context) error {
			order = append(order, label)
			return nil
		}}
	}
	failing := runtime.LabeledCloser{Label: "broken", Closer: func(context.Context) error {
		return errors.New("close failed")
	}}
	m := newTestManager(newStation(chargingFrame), WithRepublisher(rp),
		WithCloser(closer("first")), WithCloser(failing), WithCloser(closer("last")))

	require.NoError(t, m.Watch(context.Background(), "P1234", &runtime.DeviceSpec{Reconnect: true, Republish: true}))
	require.Eventually(t, online(m, "P1234"), 2*time.Second, 5*time.Millisecond)

	err := m.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close failed")
	assert.Equal(t, []string{"last", "first"}, order)
	assert.True(t, rp.closed)
	assert.Empty(t, m.ListDevices(&runtime.DeviceFilter{}))

	assert.Equal(t, ErrManagerStopped, m.Watch(context.Background(), "P1234", nil))
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestManagerRestore(t *testing.T) {
	fc, err := storage.NewFsClient(t.TempDir())
	require.NoError(t, err)

	st := newStation(chargingFrame)
	m := newTestManager(st, WithStorage(fc))
	require.NoError(t, m.Watch(context.Background(), "P1", &runtime.DeviceSpec{Reconnect: true}))
	require.NoError(t, m.Watch(context.Background(), "P2", nil))
	_, err = m.UpdateSpec("P1", "1", runtime.DeviceSpec{Reconnect: true, Republish: true})
	require.NoError(t, err)
	require.NoError(t, m.Unwatch("P2"))
	require.NoError(t, m.Shutdown(context.Background()))

	records, err := fc.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, runtime.DeviceSpec{Reconnect: true, Republish: true}, records[0].Spec)

	m = newTestManager(st, WithStorage(fc))
	defer m.Shutdown(context.Background())
	require.NoError(t, m.Restore(context.Background(), []string{"P3", "P1"}))

	devices := m.ListDevices(nil)
	require.Len(t, devices, 2)
	p1, err := m.GetDeviceById("P1")
	require.NoError(t, err)
	assert.Equal(t, runtime.DeviceSpec{Reconnect: true, Republish: true}, p1.Spec)
	p3, err := m.GetDeviceById("P3")
	require.NoError(t, err)
	assert.Equal(t, runtime.DeviceSpec{}, p3.Spec)
	_, err = m.GetDeviceById("P2")
	assert.True(t, os.IsNotExist(err))

	records, err = fc.List()
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestManagerRestoreReportsFailures(t *testing.T) {
	st := newStation(chargingFrame)
	st.setConnectErr(errors.New("refused"))
	m := newTestManager(st)
	defer m.Shutdown(context.Background())

	err := m.Restore(context.Background(), []string{"P1", "P2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
	assert.Len(t, m.ListDevices(nil), 2)
}
