package crcutil

const (
	crc16Seed = 0xFFFF
	crc16Poly = 0xA001
)

// Crc16Modbus 计算 CRC-16/MODBUS
func Crc16Modbus(data []byte) uint16 {
	crc := uint16(crc16Seed)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ crc16Poly
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// AppendCrc16 appends the checksum of data, low byte first.
func AppendCrc16(data []byte) []byte {
	sum := Crc16Modbus(data)
	return append(data, byte(sum), byte(sum>>8))
}
