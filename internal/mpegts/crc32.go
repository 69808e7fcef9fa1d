package mpegts

import (
	"encoding/binary"
	"errors"
)

// ErrCRC is returned for sections whose CRC32 does not check.
var ErrCRC = errors.New("mpegts: CRC32 mismatch")

// MPEG-2 CRC32, polynomial 0x04C11DB7, no reflection.
var crc32Table [256]uint32

func init() {
	for i := 0; i < 256; i++ {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		crc32Table[i] = crc
	}
}

// CRC32 computes the MPEG-2 CRC of data.
func CRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = (crc << 8) ^ crc32Table[byte(crc>>24)^b]
	}
	return crc
}

// VerifyCRC32 checks a section that ends with its CRC.
func VerifyCRC32(section []byte) error {
	if len(section) < 4 {
		return errors.New("mpegts: section too short for CRC32")
	}
	if CRC32(section) != 0 {
		return ErrCRC
	}
	return nil
}

// AppendCRC32 appends the CRC of b to b.
func AppendCRC32(b []byte) []byte {
	return binary.BigEndian.AppendUint32(b, CRC32(b))
}
