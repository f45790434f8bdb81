// Package crc16 implements CRC-16/XModem (polynomial 0x1021, initial value 0,
// no reflection, no final xor) used by both data-links.
package crc16

const poly uint16 = 0x1021

var table [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
}

// Update continues a checksum over p.
func Update(crc uint16, p []byte) uint16 {
	for _, b := range p {
		crc = (crc << 8) ^ table[byte(crc>>8)^b]
	}
	return crc
}

// Checksum calculates the XModem CRC of p.
func Checksum(p []byte) uint16 {
	return Update(0, p)
}
