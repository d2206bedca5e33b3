package protocol

// CRC16 calculates the CRC16-CCITT checksum of a frame's header and payload.
// This matches the checksum Klipper uses for its message blocks.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		b = b ^ uint8(crc&0xFF)
		b = b ^ (b << 4)
		b16 := uint16(b)
		crc = (b16<<8 | crc>>8) ^ (b16 >> 4) ^ (b16 << 3)
	}
	return crc
}

// crcBytes returns the trailer bytes for crc, high byte first
func crcBytes(crc uint16) []byte {
	return []byte{uint8(crc >> 8), uint8(crc)}
}
