package utils

import (
	"encoding/binary"
	"errors"

	"github.com/minio/highwayhash"
)

// Checksummer produces the fixed-width checksum appended to every
// stored record and index entry.
type Checksummer interface {
	Size() int
	Sum(data []byte) []byte
}

var ErrChecksumMismatch = errors.New("zonedb err: checksum mismatch")

// Crc32Checksummer is the default checksummer.
type Crc32Checksummer struct{}

func (c Crc32Checksummer) Size() int { return 4 }

func (c Crc32Checksummer) Sum(data []byte) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, GenerateCrc(data))
	return buf
}

// HighwayChecksummer is a keyed 64-bit alternative for callers that
// want collision resistance against adversarial keys.
type HighwayChecksummer struct {
	key []byte
}

func NewHighwayChecksummer(key []byte) (*HighwayChecksummer, error) {
	// highwayhash requires a 32 byte key, validate eagerly
	if _, err := highwayhash.New64(key); err != nil {
		return nil, err
	}
	return &HighwayChecksummer{key: key}, nil
}

func (c *HighwayChecksummer) Size() int { return 8 }

func (c *HighwayChecksummer) Sum(data []byte) []byte {
	h, _ := highwayhash.New64(c.key)
	_, _ = h.Write(data)
	return h.Sum(nil)
}

// AppendChecksum suffixes data with its checksum.
func AppendChecksum(cs Checksummer, data []byte) []byte {
	return append(data, cs.Sum(data)...)
}

// VerifyChecksum splits a checksummed buffer and validates the suffix,
// returning the payload.
func VerifyChecksum(cs Checksummer, buf []byte) ([]byte, error) {
	n := len(buf) - cs.Size()
	if n < 0 {
		return nil, ErrChecksumMismatch
	}
	payload, sum := buf[:n], buf[n:]
	want := cs.Sum(payload)
	for i := range sum {
		if sum[i] != want[i] {
			return nil, ErrChecksumMismatch
		}
	}
	return payload, nil
}
