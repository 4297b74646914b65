package runtime

import (
	"errors"
	"fmt"
	"time"
)

const (
	DeviceAddress        byte = 0x01
	FunctionCodeReadHold byte = 0x03

	RequestBodySize  = 6
	RequestFrameSize = 8
	// ResponseHeaderSize is address, function code and byte count.
	ResponseHeaderSize = 3

	PollStartRegister uint16 = 0
	PollRegisterCount uint16 = 95
	PollInterval             = 5 * time.Second
	ConnectTimeout           = 10 * time.Second
	KeepAlive                = 20 * time.Second

	PublishTopicFormat   = "listenApp/%s"
	SubscribeTopicFormat = "reportApp/%s"
)

// FrameMarker may prefix a response any number of times.
var FrameMarker = []byte{0x2B, 0x2B, 0x2B, 0x2B}

// 寄存器地址
const (
	RegGridVoltage       uint16 = 15 // x0.1 V
	RegPv1Voltage        uint16 = 20
	RegPv1Power          uint16 = 22
	RegDeviceTemperature uint16 = 24 // (raw-1000) x0.1 C
	RegBatteryPercent    uint16 = 50
	RegBatteryVoltage    uint16 = 51 // x0.1 V
	RegGridPower         uint16 = 59 // signed
	RegBatteryPower      uint16 = 61 // signed, negative is charging
	RegLoadPower         uint16 = 67
	RegPv2Voltage        uint16 = 72
	RegPv2Power          uint16 = 74
)

var (
	ErrFrameTooShort          = errors.New("frame too short")
	ErrUnexpectedFunctionCode = errors.New("unexpected function code")
	ErrTruncatedRegisters     = errors.New("truncated registers")

	ErrConnectTimeout    = errors.New("connect timeout")
	ErrTransportClosed   = errors.New("transport closed")
	ErrNotConnected      = errors.New("transport not connected")
	ErrSessionSuperseded = errors.New("session superseded")
	ErrStartInProgress   = errors.New("session start in progress")
	ErrEmptyDeviceId     = errors.New("empty device id")
)

// DecodeError describes a malformed inbound frame.
type DecodeError struct {
	Kind   error
	Len    int    // bytes available
	Want   int    // bytes required
	Header []byte // address and function code received, set for ErrUnexpectedFunctionCode
}

func (e *DecodeError) Error() string {
	if e.Header != nil {
		return fmt.Sprintf("decode response: %v (have % x, want %02x %02x)", e.Kind, e.Header, DeviceAddress, FunctionCodeReadHold)
	}
	return fmt.Sprintf("decode response: %v (have %d bytes, want %d)", e.Kind, e.Len, e.Want)
}

func (e *DecodeError) Unwrap() error {
	return e.Kind
}

// TransportError is a connect, subscribe or publish failure. A connect
// timeout is reported as a TransportError wrapping ErrConnectTimeout.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func PublishTopic(deviceId string) string {
	return fmt.Sprintf(PublishTopicFormat, deviceId)
}

func SubscribeTopic(deviceId string) string {
	return fmt.Sprintf(SubscribeTopicFormat, deviceId)
}
