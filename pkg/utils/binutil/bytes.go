package binutil

// ParseUint16 解析
// AB
func ParseUint16(buf []byte) uint16 {
	return uint16(buf[0])<<8 | uint16(buf[1])
}

// ParseInt16 解析有符号数
func ParseInt16(buf []byte) int16 {
	return int16(ParseUint16(buf))
}

// ParseUint16LittleEndian 解析
// BA
func ParseUint16LittleEndian(buf []byte) uint16 {
	return uint16(buf[1])<<8 | uint16(buf[0])
}

// WriteUint16 编码
func WriteUint16(buf []byte, value uint16) {
	buf[0] = byte(value >> 8)
	buf[1] = byte(value)
}

// WriteUint16LittleEndian 编码
func WriteUint16LittleEndian(buf []byte, value uint16) {
	buf[0] = byte(value)
	buf[1] = byte(value >> 8)
}

// Uint16ToBytes 编码
func Uint16ToBytes(value uint16) []byte {
	buf := make([]byte, 2)
	WriteUint16(buf, value)
	return buf
}

// Dup 复制
func Dup(buf []byte) []byte {
	if buf == nil {
		return nil
	}
	b := make([]byte, len(buf))
	copy(b, buf)
	return b
}
