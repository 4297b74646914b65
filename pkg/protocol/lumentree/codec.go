package lumentree

import (
	"bytes"

	"lumentree/pkg/protocol/lumentree/runtime"
	"lumentree/pkg/utils/crcutil"
)

// NewReadRequest builds a read-holding-registers request for the inverter.
// start and count are taken as given.
func NewReadRequest(start, count uint16) runtime.RequestFrame {
	frame := runtime.RequestFrame{
		DeviceAddress: runtime.DeviceAddress,
		FunctionCode:  runtime.FunctionCodeReadHold,
		StartRegister: start,
		RegisterCount: count,
	}
	frame.Checksum = Checksum(frame.Body())
	return frame
}

// BuildReadRequest returns the 8 wire bytes of NewReadRequest(start, count).
func BuildReadRequest(start, count uint16) []byte {
	return NewReadRequest(start, count).Bytes()
}

// Checksum is CRC-16/MODBUS.
func Checksum(data []byte) uint16 {
	return crcutil.Crc16Modbus(data)
}

// DecodeResponse parses an inbound payload into its register block.
//
// Everything up to and including the last "++++" marker is dropped. The scan
// covers the register bytes too, so a block holding two adjacent 0x2B2B
// registers is cut there and fails to decode. The
// remaining frame must start with 01 03 and carry at least the declared
// byte count. Trailing bytes, including any checksum the device appends,
// are ignored: the device never documented its response trailer, so the
// response CRC is not verified.
func DecodeResponse(payload []byte) (runtime.RegisterTable, error) {
	frame := stripMarker(payload)
	if len(frame) < runtime.ResponseHeaderSize {
		return runtime.RegisterTable{}, &runtime.DecodeError{
			Kind: runtime.ErrFrameTooShort,
			Len:  len(frame),
			Want: runtime.ResponseHeaderSize,
		}
	}
	if frame[0] != runtime.DeviceAddress || frame[1] != runtime.FunctionCodeReadHold {
		return runtime.RegisterTable{}, &runtime.DecodeError{
			Kind:   runtime.ErrUnexpectedFunctionCode,
			Header: []byte{frame[0], frame[1]},
		}
	}
	declared := int(frame[2])
	registers := frame[runtime.ResponseHeaderSize:]
	if len(registers) < declared {
		return runtime.RegisterTable{}, &runtime.DecodeError{
			Kind: runtime.ErrTruncatedRegisters,
			Len:  len(registers),
			Want: declared,
		}
	}
	return runtime.NewRegisterTable(registers[:declared]), nil
}

func stripMarker(payload []byte) []byte {
	if i := bytes.LastIndex(payload, runtime.FrameMarker); i >= 0 {
		return payload[i+len(runtime.FrameMarker):]
	}
	return payload
}
