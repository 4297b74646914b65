package lumentree

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"lumentree/pkg/protocol/lumentree/runtime"
)

const (
	DefaultClientIdFormat      = "android-{device_id}-{timestamp}"
	DefaultUsername            = "appuser"
	DefaultPassword            = "app666"
	DefaultQos            byte = 1

	disconnectQuiesce = 250
	subscribeFailure  = 0x80
	protocolVersion   = 4 // 3.1.1 only, no 3.1 retry per broker
)

var DefaultBrokers = []string{
	"ws://lesvr.suntcn.com:8083/mqtt",
	"wss://lesvr.suntcn.com:8084/mqtt",
	"tcp://lesvr.suntcn.com:1886",
}

var (
	ErrNoBroker         = errors.New("no mqtt broker configured")
	ErrPublishTimeout   = errors.New("publish timeout")
	ErrSubscribeRefused = errors.New("subscription refused by broker")
)

type MqttConfig struct {
	Brokers        []string      // tried in order within one connect
	Username       string        // 用户名
	Password       string        // 密码
	ClientIdFormat string        // {device_id} and {timestamp} are substituted
	KeepAlive      time.Duration // 心跳
	ConnectTimeout time.Duration // per broker
	WriteTimeout   time.Duration // publish acknowledgement wait
	Qos            byte
}

func DefaultMqttConfig() MqttConfig {
	return MqttConfig{
		Brokers:        append([]string(nil), DefaultBrokers...),
		Username:       DefaultUsername,
		Password:       DefaultPassword,
		ClientIdFormat: DefaultClientIdFormat,
		KeepAlive:      runtime.KeepAlive,
		ConnectTimeout: runtime.ConnectTimeout,
		WriteTimeout:   runtime.ConnectTimeout,
		Qos:            DefaultQos,
	}
}

// StartTimeout bounds a whole session start: every broker may use its own
// ConnectTimeout in turn before the subscribe acknowledgement is awaited.
func (c MqttConfig) StartTimeout() time.Duration {
	brokers := len(c.Brokers)
	if brokers == 0 {
		brokers = 1
	}
	return time.Duration(brokers)*c.ConnectTimeout + c.WriteTimeout
}

// ClientId expands format for deviceId at now.
func ClientId(format, deviceId string, now time.Time) string {
	return strings.NewReplacer(
		"{device_id}", deviceId,
		"{timestamp}", strconv.FormatInt(now.UnixMilli(), 10),
	).Replace(format)
}

// NewClientFunc builds the paho client. mqtt.NewClient in production.
type NewClientFunc func(opts *mqtt.ClientOptions) mqtt.Client

// NewMqttTransportFactory returns a TransportFactory that opens one paho
// client per session. Automatic reconnect is off: a lost connection is
// reported through onLost and handled by the session.
func NewMqttTransportFactory(cfg MqttConfig, newClient NewClientFunc) TransportFactory {
	if newClient == nil {
		newClient = mqtt.NewClient
	}
	return func(deviceId string, onLost func(err error)) (Transport, error) {
		if len(cfg.Brokers) == 0 {
			return nil, ErrNoBroker
		}
		opts := mqtt.NewClientOptions()
		for _, broker := range cfg.Brokers {
			opts.AddBroker(broker)
		}
		opts.SetClientID(ClientId(cfg.ClientIdFormat, deviceId, time.Now())).
			SetUsername(cfg.Username).
			SetPassword(cfg.Password).
			SetCleanSession(true).
			SetKeepAlive(cfg.KeepAlive).
			SetProtocolVersion(protocolVersion).
			SetConnectTimeout(cfg.ConnectTimeout).
			SetWriteTimeout(cfg.WriteTimeout).
			SetAutoReconnect(false).
			SetConnectRetry(false).
			SetOrderMatters(false).
			SetConnectionLostHandler(func(_ mqtt.Client, err error) {
				klog.V(2).InfoS("Mqtt connection lost", "deviceId", deviceId, "error", err)
				if onLost != nil {
					onLost(err)
				}
			})
		return &MqttTransport{
			client:       newClient(opts),
			deviceId:     deviceId,
			qos:          cfg.Qos,
			writeTimeout: cfg.WriteTimeout,
		}, nil
	}
}

type MqttTransport struct {
	client       mqtt.Client
	deviceId     string
	qos          byte
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func (t *MqttTransport) Connect(ctx context.Context) error {
	if err := waitToken(ctx, t.client.Connect()); err != nil {
		return errors.Wrapf(err, "connect device %s", t.deviceId)
	}
	klog.V(1).InfoS("Mqtt connected", "deviceId", t.deviceId)
	return nil
}

func (t *MqttTransport) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) error {
	token := t.client.Subscribe(topic, t.qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	})
	if err := waitToken(ctx, token); err != nil {
		return errors.Wrapf(err, "subscribe %s", topic)
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		for _, code := range st.Result() {
			if code == subscribeFailure {
				return errors.Wrapf(ErrSubscribeRefused, "subscribe %s", topic)
			}
		}
	}
	klog.V(1).InfoS("Mqtt subscribed", "deviceId", t.deviceId, "topic", topic)
	return nil
}

func (t *MqttTransport) Publish(topic string, payload []byte) error {
	if !t.client.IsConnectionOpen() {
		return runtime.ErrNotConnected
	}
	token := t.client.Publish(topic, t.qos, false, payload)
	if !token.WaitTimeout(t.writeTimeout) {
		return errors.Wrapf(ErrPublishTimeout, "publish %s", topic)
	}
	if err := token.Error(); err != nil {
		return errors.Wrapf(err, "publish %s", topic)
	}
	return nil
}

func (t *MqttTransport) Close() {
	t.closeOnce.Do(func() {
		t.client.Disconnect(disconnectQuiesce)
		klog.V(1).InfoS("Mqtt disconnected", "deviceId", t.deviceId)
	})
}

// waitToken waits for token or ctx. A ctx deadline is reported as
// ErrConnectTimeout.
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return runtime.ErrConnectTimeout
		}
		return ctx.Err()
	}
}

type klogger struct {
	level klog.Level
	error bool
}

func (l klogger) Println(v ...interface{}) {
	if l.error {
		klog.Error(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
		return
	}
	klog.V(l.level).Info(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

func (l klogger) Printf(format string, v ...interface{}) {
	if l.error {
		klog.Errorf(format, v...)
		return
	}
	klog.V(l.level).Infof(format, v...)
}

// RedirectMqttLogs routes paho's package loggers into klog.
func RedirectMqttLogs() {
	mqtt.ERROR = klogger{error: true}
	mqtt.CRITICAL = klogger{error: true}
	mqtt.WARN = klogger{level: 2}
	mqtt.DEBUG = klogger{level: 6}
}
