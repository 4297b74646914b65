package options

import (
	"time"

	"github.com/spf13/pflag"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"lumentree/cmd/gateway/config"
	"lumentree/pkg/device"
	"lumentree/pkg/gateway"
	baseoptions "lumentree/pkg/generic/options"
	"lumentree/pkg/protocol/lumentree"
	lumentreeruntime "lumentree/pkg/protocol/lumentree/runtime"
	"lumentree/pkg/runtime"
	"lumentree/pkg/storage"
	"lumentree/pkg/telemetry"
)

type Options struct {
	Port         string           `json:"port"`
	Wait         metav1.Duration  `json:"graceful-timeout"`
	CertFile     string           `json:"cert-file"`
	KeyFile      string           `json:"key-file"`
	GatewayId    string           `json:"gateway-id"`
	Devices      []string         `json:"devices"`
	StateDir     string           `json:"state-dir"`
	WindowSize   int              `json:"window-size"`
	PollInterval metav1.Duration  `json:"poll-interval"`
	Mqtt         MqttOptions      `json:"mqtt"`
	Reconnect    ReconnectOptions `json:"reconnect"`
	Republish    RepublishOptions `json:"republish"`
	baseoptions.BaseOptions
}

type MqttOptions struct {
	Brokers        []string        `json:"brokers"`
	Username       string          `json:"username"`
	Password       string          `json:"password"`
	ClientIdFormat string          `json:"client-id-format"`
	KeepAlive      metav1.Duration `json:"keepalive"`
	ConnectTimeout metav1.Duration `json:"connect-timeout"`
	WriteTimeout   metav1.Duration `json:"write-timeout"`
}

type ReconnectOptions struct {
	Enabled     bool            `json:"enabled"`
	Initial     metav1.Duration `json:"initial"`
	Factor      float64         `json:"factor"`
	Jitter      float64         `json:"jitter"`
	Steps       int             `json:"steps"`
	Cap         metav1.Duration `json:"cap"`
	MaxAttempts int             `json:"max-attempts"`
}

type RepublishOptions struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicFormat string `json:"topic-format"`
}

const (
	_defaultPort = "32200"
	_defaultWait = 15 * time.Second
)

func NewDefaultOptions() *Options {
	mqttConfig := lumentree.DefaultMqttConfig()
	return &Options{
		Port:         _defaultPort,
		Wait:         metav1.Duration{Duration: _defaultWait},
		WindowSize:   telemetry.DefaultWindowSize,
		PollInterval: metav1.Duration{Duration: lumentreeruntime.PollInterval},
		Mqtt: MqttOptions{
			Brokers:        mqttConfig.Brokers,
			Username:       mqttConfig.Username,
			Password:       mqttConfig.Password,
			ClientIdFormat: mqttConfig.ClientIdFormat,
			KeepAlive:      metav1.Duration{Duration: mqttConfig.KeepAlive},
			ConnectTimeout: metav1.Duration{Duration: mqttConfig.ConnectTimeout},
			WriteTimeout:   metav1.Duration{Duration: mqttConfig.WriteTimeout},
		},
		Reconnect: ReconnectOptions{
			Initial: metav1.Duration{Duration: lumentree.DefaultBackoff.Duration},
			Factor:  lumentree.DefaultBackoff.Factor,
			Jitter:  lumentree.DefaultBackoff.Jitter,
			Steps:   lumentree.DefaultBackoff.Steps,
			Cap:     metav1.Duration{Duration: lumentree.DefaultBackoff.Cap},
		},
		Republish: RepublishOptions{
			TopicFormat: device.DefaultTopicFormat,
		},
		BaseOptions: baseoptions.NewDefaultBaseOptions(),
	}
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.Port, "port", "P", o.Port, "Port exposed")
	fs.DurationVar(&o.Wait.Duration, "graceful-timeout", o.Wait.Duration, "The duration for which the server gracefully wait for existing connections to finish - e.g. 15s or 1m")
	fs.StringVar(&o.CertFile, "cert-file", o.CertFile, "TLS certificate, served over HTTPS together with --key-file")
	fs.StringVar(&o.KeyFile, "key-file", o.KeyFile, "TLS private key")
	fs.StringVar(&o.GatewayId, "gateway-id", o.GatewayId, "Gateway id used in republish topics, generated when empty")
	fs.StringSliceVar(&o.Devices, "devices", o.Devices, "Device ids watched at startup")
	fs.StringVar(&o.StateDir, "state-dir", o.StateDir, "Directory keeping watched devices across restarts, persistence is off when empty")
	fs.IntVar(&o.WindowSize, "window-size", o.WindowSize, "Samples kept per device")
	fs.DurationVar(&o.PollInterval.Duration, "poll-interval", o.PollInterval.Duration, "Period between read requests")

	fs.StringSliceVar(&o.Mqtt.Brokers, "mqtt-brokers", o.Mqtt.Brokers, "Brokers tried in order on each connect")
	fs.StringVar(&o.Mqtt.Username, "mqtt-username", o.Mqtt.Username, "Broker username")
	fs.StringVar(&o.Mqtt.Password, "mqtt-password", o.Mqtt.Password, "Broker password")
	fs.StringVar(&o.Mqtt.ClientIdFormat, "mqtt-client-id-format", o.Mqtt.ClientIdFormat, "Client id template, {device_id} and {timestamp} are substituted")
	fs.DurationVar(&o.Mqtt.KeepAlive.Duration, "mqtt-keepalive", o.Mqtt.KeepAlive.Duration, "Keepalive interval")
	fs.DurationVar(&o.Mqtt.ConnectTimeout.Duration, "mqtt-connect-timeout", o.Mqtt.ConnectTimeout.Duration, "Bound on the handshake with each broker, a session start may try every broker in turn")
	fs.DurationVar(&o.Mqtt.WriteTimeout.Duration, "mqtt-write-timeout", o.Mqtt.WriteTimeout.Duration, "Bound on each publish")

	fs.BoolVar(&o.Reconnect.Enabled, "reconnect", o.Reconnect.Enabled, "Restart failed sessions with backoff")
	fs.DurationVar(&o.Reconnect.Initial.Duration, "reconnect-initial", o.Reconnect.Initial.Duration, "First reconnect delay")
	fs.Float64Var(&o.Reconnect.Factor, "reconnect-factor", o.Reconnect.Factor, "Delay multiplier")
	fs.Float64Var(&o.Reconnect.Jitter, "reconnect-jitter", o.Reconnect.Jitter, "Random extra delay fraction")
	fs.IntVar(&o.Reconnect.Steps, "reconnect-steps", o.Reconnect.Steps, "Growth steps before the delay stops increasing")
	fs.DurationVar(&o.Reconnect.Cap.Duration, "reconnect-cap", o.Reconnect.Cap.Duration, "Upper bound on the delay")
	fs.IntVar(&o.Reconnect.MaxAttempts, "reconnect-max-attempts", o.Reconnect.MaxAttempts, "Consecutive failures before giving up, 0 retries forever")

	fs.BoolVar(&o.Republish.Enabled, "republish", o.Republish.Enabled, "Forward samples to the republish broker")
	fs.StringVar(&o.Republish.Broker, "republish-broker", o.Republish.Broker, "Broker receiving republished samples")
	fs.StringVar(&o.Republish.Username, "republish-username", o.Republish.Username, "Republish broker username")
	fs.StringVar(&o.Republish.Password, "republish-password", o.Republish.Password, "Republish broker password")
	fs.StringVar(&o.Republish.TopicFormat, "republish-topic-format", o.Republish.TopicFormat, "Topic template taking the gateway id then the device id")
}

func (o *Options) MqttConfig() lumentree.MqttConfig {
	return lumentree.MqttConfig{
		Brokers:        o.Mqtt.Brokers,
		Username:       o.Mqtt.Username,
		Password:       o.Mqtt.Password,
		ClientIdFormat: o.Mqtt.ClientIdFormat,
		KeepAlive:      o.Mqtt.KeepAlive.Duration,
		ConnectTimeout: o.Mqtt.ConnectTimeout.Duration,
		WriteTimeout:   o.Mqtt.WriteTimeout.Duration,
		Qos:            lumentree.DefaultQos,
	}
}

func (o *Options) Backoff() wait.Backoff {
	return wait.Backoff{
		Duration: o.Reconnect.Initial.Duration,
		Factor:   o.Reconnect.Factor,
		Jitter:   o.Reconnect.Jitter,
		Steps:    o.Reconnect.Steps,
		Cap:      o.Reconnect.Cap.Duration,
	}
}

func (o *Options) Config() (*config.Config, error) {
	lumentree.RedirectMqttLogs()

	gatewayMgr := gateway.NewGatewayManager(gateway.WithID(o.GatewayId))
	gatewayId := gatewayMgr.GetGatewayMeta().ID

	opts := []device.Option{
		device.WithBackoff(o.Backoff(), o.Reconnect.MaxAttempts),
		device.WithDefaultSpec(runtime.DeviceSpec{
			Reconnect: o.Reconnect.Enabled,
			Republish: o.Republish.Enabled,
		}),
		device.WithSessionOptions(
			lumentree.WithPollInterval(o.PollInterval.Duration),
			lumentree.WithConnectTimeout(o.MqttConfig().StartTimeout()),
		),
	}
	if o.Republish.Enabled {
		client, err := device.NewRepublishClient(device.RepublishConfig{
			Broker:         o.Republish.Broker,
			Username:       o.Republish.Username,
			Password:       o.Republish.Password,
			ClientId:       "lumentree-gateway-" + gatewayId,
			ConnectTimeout: o.Mqtt.ConnectTimeout.Duration,
		}, nil)
		if err != nil {
			return nil, err
		}
		opts = append(opts, device.WithRepublisher(device.NewMqttRepublisher(client, gatewayId, o.Republish.TopicFormat)))
	}

	if len(o.StateDir) != 0 {
		fc, err := storage.NewFsClient(o.StateDir)
		if err != nil {
			return nil, err
		}
		opts = append(opts, device.WithStorage(fc))
	}

	deviceMgr := device.NewManager(
		lumentree.NewMqttTransportFactory(o.MqttConfig(), nil),
		telemetry.NewStore(o.WindowSize),
		opts...,
	)

	return &config.Config{
		DeviceMgr:  deviceMgr,
		GatewayMgr: gatewayMgr,
		Devices:    o.Devices,
		CertFile:   o.CertFile,
		KeyFile:    o.KeyFile,
	}, nil
}
