package framer

// CRC-16/X-25: poly 0x1021 reflected (0x8408), init 0xFFFF, reflected
// in and out, final XOR 0xFFFF. Check value for "123456789" is 0x906E.

var crcTable = func() [256]uint16 {
	var t [256]uint16
	for i := range t {
		crc := uint16(i)
		for range 8 {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0x8408
			} else {
				crc >>= 1
			}
		}
		t[i] = crc
	}
	return t
}()

// CRC16 computes the CRC-16/X-25 of data.
func CRC16(data []byte) uint16 {
	crc := uint16(0xffff)
	for _, b := range data {
		crc = crc>>8 ^ crcTable[byte(crc)^b]
	}
	return crc ^ 0xffff
}
