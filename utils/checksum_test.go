package utils

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCrc32Checksummer(t *testing.T) {
	cs := Crc32Checksummer{}
	buf := AppendChecksum(cs, []byte("hello"))
	assert.Equal(t, 5+cs.Size(), len(buf))

	payload, err := VerifyChecksum(cs, buf)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal([]byte("hello"), payload))

	// The suffix is the raw crc of the payload.
	crc := binary.BigEndian.Uint32(buf[5:])
	assert.True(t, CheckCrc(crc, []byte("hello")))
	assert.False(t, CheckCrc(crc, []byte("world")))

	buf[0] ^= 0xff
	_, err = VerifyChecksum(cs, buf)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestVerifyChecksum_TooShort(t *testing.T) {
	cs := Crc32Checksummer{}
	_, err := VerifyChecksum(cs, []byte{1, 2})
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestHighwayChecksummer(t *testing.T) {
	_, err := NewHighwayChecksummer([]byte("short key"))
	assert.NotNil(t, err)

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	cs, err := NewHighwayChecksummer(key)
	assert.Nil(t, err)
	assert.Equal(t, 8, cs.Size())

	buf := AppendChecksum(cs, []byte("hello"))
	payload, err := VerifyChecksum(cs, buf)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal([]byte("hello"), payload))

	// Same data, different key, different sum.
	key2 := make([]byte, 32)
	cs2, err := NewHighwayChecksummer(key2)
	assert.Nil(t, err)
	assert.False(t, bytes.Equal(cs.Sum([]byte("hello")), cs2.Sum([]byte("hello"))))
}
