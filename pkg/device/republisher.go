package device

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"k8s.io/klog/v2"
	"lumentree/pkg/protocol/lumentree"
	lumentreeruntime "lumentree/pkg/protocol/lumentree/runtime"
	"lumentree/pkg/runtime"
	"lumentree/pkg/telemetry"
)

type RepublishConfig struct {
	Broker         string        // 转发 broker
	Username       string        // 用户名
	Password       string        // 密码
	ClientId       string        // 客户端 id
	ConnectTimeout time.Duration // 连接超时
}

// NewRepublishClient connects the outbound client. Unlike device sessions it
// reconnects on its own.
func NewRepublishClient(cfg RepublishConfig, newClient lumentree.NewClientFunc) (mqtt.Client, error) {
	if len(cfg.Broker) == 0 {
		return nil, lumentree.ErrNoBroker
	}
	if newClient == nil {
		newClient = mqtt.NewClient
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientId).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(mqtt.Client) {
			klog.V(1).InfoS("Republish client connected", "broker", cfg.Broker)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			klog.V(2).InfoS("Republish client connection lost", "broker", cfg.Broker, "error", err)
		})
	client := newClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, errors.Wrapf(lumentreeruntime.ErrConnectTimeout, "connect %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "connect %s", cfg.Broker)
	}
	return client, nil
}

// MqttRepublisher publishes samples as PublishData to
// data/{gatewayId}/v1/{deviceId} from its own goroutine. Samples arriving
// while the queue is full are dropped.
type MqttRepublisher struct {
	client      mqtt.Client
	gatewayId   string
	topicFormat string
	qos         byte

	queue     chan lumentreeruntime.TelemetrySample
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once

	published *atomic.Uint64
	dropped   *atomic.Uint64
}

func NewMqttRepublisher(client mqtt.Client, gatewayId, topicFormat string) *MqttRepublisher {
	if len(topicFormat) == 0 {
		topicFormat = DefaultTopicFormat
	}
	r := &MqttRepublisher{
		client:      client,
		gatewayId:   gatewayId,
		topicFormat: topicFormat,
		qos:         lumentree.DefaultQos,
		queue:       make(chan lumentreeruntime.TelemetrySample, republishQueueSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		published:   atomic.NewUint64(0),
		dropped:     atomic.NewUint64(0),
	}
	go r.loop()
	return r
}

func (r *MqttRepublisher) Topic(deviceId string) string {
	return fmt.Sprintf(r.topicFormat, r.gatewayId, deviceId)
}

func (r *MqttRepublisher) Republish(sample lumentreeruntime.TelemetrySample) {
	select {
	case <-r.stopCh:
		return
	default:
	}
	select {
	case r.queue <- sample:
	default:
		r.dropped.Inc()
		klog.V(2).InfoS("Dropped sample, republish queue full", "deviceId", sample.DeviceId)
	}
}

func (r *MqttRepublisher) loop() {
	defer close(r.doneCh)
	for {
		select {
		case <-r.stopCh:
			for {
				select {
				case sample := <-r.queue:
					r.publish(sample)
				default:
					return
				}
			}
		case sample := <-r.queue:
			r.publish(sample)
		}
	}
}

func (r *MqttRepublisher) publish(sample lumentreeruntime.TelemetrySample) {
	points, err := telemetry.Points(sample)
	if err != nil {
		klog.V(2).InfoS("Failed to flatten sample", "deviceId", sample.DeviceId, "error", err)
		return
	}
	publishData := runtime.NewPublishData(sample.Timestamp, points)
	marshal, err := json.Marshal(publishData)
	if err != nil {
		klog.V(2).InfoS("Failed to marshal sample", "deviceId", sample.DeviceId, "error", err)
		return
	}

	topic := r.Topic(sample.DeviceId)
	token := r.client.Publish(topic, r.qos, false, marshal)
	if token.WaitTimeout(mqttTimeout) && token.Error() == nil {
		r.published.Inc()
		klog.V(5).InfoS("Succeed to publish MQTT", "topic", topic, "data", publishData)
	} else {
		klog.V(1).InfoS("Failed to publish MQTT", "topic", topic, "error", token.Error())
	}
}

func (r *MqttRepublisher) Published() uint64 {
	return r.published.Load()
}

func (r *MqttRepublisher) Dropped() uint64 {
	return r.dropped.Load()
}

// Close flushes the queue and disconnects the client.
func (r *MqttRepublisher) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stopCh)
		select {
		case <-r.doneCh:
		case <-ctx.Done():
			err = errors.Wrap(ctx.Err(), "flush republish queue")
		}
		r.client.Disconnect(250)
	})
	return err
}
