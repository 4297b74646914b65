package runtime

import (
	"context"
	"time"

	lumentreeruntime "lumentree/pkg/protocol/lumentree/runtime"
)

const TimestampLayout = "2006-01-02T15:04:05.000Z"

type LabeledCloser struct {
	Label  string
	Closer func(context.Context) error
}

type ResponseModel struct {
	Devices interface{} `json:"devices,omitempty"`
	Samples interface{} `json:"samples,omitempty"`
}

// DeviceSpec is the watch configuration of one device.
type DeviceSpec struct {
	Reconnect bool `json:"reconnect"` // restart with backoff after a failure
	Republish bool `json:"republish"` // forward samples to the data topic
}

type DeviceStatus struct {
	Id              string                        `json:"id"`
	Version         string                        `json:"version"`
	Spec            DeviceSpec                    `json:"spec"`
	State           lumentreeruntime.SessionState `json:"state"`
	Online          bool                          `json:"online"`
	ConnectAttempts uint                          `json:"connectAttempts"`
	LastError       string                        `json:"lastError,omitempty"`
	DecodeFailures  uint64                        `json:"decodeFailures"`
	Samples         int                           `json:"samples"`
	WatchedAt       time.Time                     `json:"watchedAt"`
	LastSampleAt    *time.Time                    `json:"lastSampleAt,omitempty"`
}

type PublishData struct {
	Payload Payload `json:"payload"`
}

type Payload struct {
	Data []TimeSeriesData `json:"data"`
}

type TimeSeriesData struct {
	Timestamp string      `json:"timestamp"`
	Values    []PointData `json:"values"`
}

type PointData struct {
	DataPointId string      `json:"dataPointId"`
	Value       interface{} `json:"value"`
}

func NewPublishData(at time.Time, points []PointData) PublishData {
	return PublishData{Payload: Payload{Data: []TimeSeriesData{{
		Timestamp: at.UTC().Format(TimestampLayout),
		Values:    points,
	}}}}
}
