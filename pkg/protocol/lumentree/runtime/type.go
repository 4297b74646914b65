package runtime

import (
	"fmt"
	"time"

	"lumentree/pkg/utils/binutil"
	"lumentree/pkg/utils/crcutil"
)

// RequestFrame 读寄存器请求报文
// 01 03 00 00 00 5F crcLo crcHi
type RequestFrame struct {
	DeviceAddress byte   // 设备地址
	FunctionCode  byte   // 功能码
	StartRegister uint16 // 起始地址
	RegisterCount uint16 // 寄存器数量
	Checksum      uint16 // CRC-16/MODBUS over the 6-byte body
}

// Body returns the 6-byte frame body, start and count big-endian.
func (f RequestFrame) Body() []byte {
	body := make([]byte, RequestBodySize)
	body[0] = f.DeviceAddress
	body[1] = f.FunctionCode
	binutil.WriteUint16(body[2:], f.StartRegister)
	binutil.WriteUint16(body[4:], f.RegisterCount)
	return body
}

// Bytes returns the wire form. The checksum goes out low byte first.
func (f RequestFrame) Bytes() []byte {
	buf := make([]byte, RequestFrameSize)
	copy(buf, f.Body())
	binutil.WriteUint16LittleEndian(buf[RequestBodySize:], f.Checksum)
	return buf
}

// Valid reports whether the checksum matches the body.
func (f RequestFrame) Valid() bool {
	return crcutil.Crc16Modbus(f.Body()) == f.Checksum
}

// RegisterTable is the register block of one response, register n at byte 2n.
type RegisterTable struct {
	data []byte
}

func NewRegisterTable(data []byte) RegisterTable {
	return RegisterTable{data: binutil.Dup(data)}
}

// Len is the declared byte count.
func (t RegisterTable) Len() int {
	return len(t.data)
}

func (t RegisterTable) Bytes() []byte {
	return binutil.Dup(t.data)
}

// Raw returns the two bytes of address, or nil when out of range.
func (t RegisterTable) Raw(address uint16) []byte {
	offset := int(address) * 2
	if offset+1 >= len(t.data) {
		return nil
	}
	return t.data[offset : offset+2]
}

type BatteryDirection string

const (
	Charging    BatteryDirection = "charging"
	Discharging BatteryDirection = "discharging"
)

// TelemetrySample is one decoded reading. Scaled values are float64, raw
// counts are int.
type TelemetrySample struct {
	Id                 string           `json:"id" mapstructure:"-"`
	DeviceId           string           `json:"deviceId" mapstructure:"-"`
	Pv1Power           int              `json:"pv1Power" mapstructure:"pv1Power"`
	Pv1Voltage         int              `json:"pv1Voltage" mapstructure:"pv1Voltage"`
	Pv2Power           int              `json:"pv2Power" mapstructure:"pv2Power"`
	Pv2Voltage         int              `json:"pv2Voltage" mapstructure:"pv2Voltage"`
	PvTotalPower       int              `json:"pvTotalPower" mapstructure:"pvTotalPower"`
	GridPower          int              `json:"gridPower" mapstructure:"gridPower"`
	GridVoltage        float64          `json:"gridVoltage" mapstructure:"gridVoltage"`
	BatteryPower       int              `json:"batteryPower" mapstructure:"batteryPower"`
	BatteryDirection   BatteryDirection `json:"batteryDirection" mapstructure:"batteryDirection"`
	BatteryMagnitude   int              `json:"batteryMagnitude" mapstructure:"batteryMagnitude"`
	BatteryPercent     int              `json:"batteryPercent" mapstructure:"batteryPercent"`
	BatteryVoltage     float64          `json:"batteryVoltage" mapstructure:"batteryVoltage"`
	DeviceTemperatureC float64          `json:"deviceTemperatureC" mapstructure:"deviceTemperatureC"`
	LoadPower          int              `json:"loadPower" mapstructure:"loadPower"`
	Timestamp          time.Time        `json:"timestamp" mapstructure:"-"`
}

type SessionState int

const (
	Disconnected SessionState = iota
	Connecting
	Subscribing
	Polling
	Failed
)

var sessionStateToString = map[SessionState]string{
	Disconnected: "Disconnected",
	Connecting:   "Connecting",
	Subscribing:  "Subscribing",
	Polling:      "Polling",
	Failed:       "Failed",
}

func (s SessionState) String() string {
	if name, ok := sessionStateToString[s]; ok {
		return name
	}
	return "Unknown"
}

func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SessionState) UnmarshalText(text []byte) error {
	for state, name := range sessionStateToString {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

type EventKind int

const (
	EventConnected EventKind = iota
	EventSubscribed
	EventMessageReceived
	EventTransportClosed
	EventTransportError
	EventPollTick
)

var eventKindToString = map[EventKind]string{
	EventConnected:       "Connected",
	EventSubscribed:      "Subscribed",
	EventMessageReceived: "MessageReceived",
	EventTransportClosed: "TransportClosed",
	EventTransportError:  "TransportError",
	EventPollTick:        "PollTick",
}

func (k EventKind) String() string {
	if name, ok := eventKindToString[k]; ok {
		return name
	}
	return "Unknown"
}

// Event is one input to the session state machine.
type Event struct {
	Kind    EventKind
	Payload []byte // MessageReceived
	Err     error  // TransportError, TransportClosed
}

// SessionSnapshot is a read-only copy of a session's bookkeeping.
type SessionSnapshot struct {
	DeviceId        string       `json:"deviceId"`
	State           SessionState `json:"state"`
	ConnectAttempts uint         `json:"connectAttempts"`
	LastError       string       `json:"lastError,omitempty"`
	Generation      uint64       `json:"generation"`
	DecodeFailures  uint64       `json:"decodeFailures"`
}
