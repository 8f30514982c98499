package model

import (
	"encoding/binary"
	"errors"

	"github.com/cqkv/zonedb/utils"
)

// FileNum names one physical (data, index) file pair within a zone.
// Assigned once by the zone allocator, monotonically increasing,
// never reused. Zero is reserved for "no file".
type FileNum = uint32

// DataLocation is a byte span inside a data file.
type DataLocation struct {
	Start uint64
	Len   uint64
}

// FileLocation is the sole description needed to locate and validate
// a record inside a data file, independent of any index.
type FileLocation struct {
	Fnum  FileNum
	Start uint64
	Klen  uint64 // for deleting the kv pair
	Vlen  uint64 // for reading the value
	Time  int64  // write timestamp; the newest location for a key wins
}

// KeyVal is the span covering key and value bytes together.
func (fl *FileLocation) KeyVal() DataLocation {
	return DataLocation{
		Start: fl.Start,
		Len:   fl.Klen + fl.Vlen,
	}
}

// Val is the span covering the value bytes only.
func (fl *FileLocation) Val() DataLocation {
	return DataLocation{
		Start: fl.Start + fl.Klen,
		Len:   fl.Vlen,
	}
}

var ErrCorruptLocation = errors.New("zonedb err: file location bytes are corrupted")

// StoredFileLocation pairs a FileLocation with its checksummed
// encoding. Encoding happens at creation so writers can account for
// index file sizes without re-encoding.
type StoredFileLocation struct {
	Floc FileLocation
	Buf  []byte // encoding including checksum
}

func NewStoredFileLocation(fnum FileNum, start, klen, vlen uint64, tstamp int64, cs utils.Checksummer) *StoredFileLocation {
	buf := make([]byte, 0, 5*binary.MaxVarintLen64+cs.Size())
	buf = binary.AppendUvarint(buf, uint64(fnum))
	buf = binary.AppendUvarint(buf, start)
	buf = binary.AppendUvarint(buf, klen)
	buf = binary.AppendUvarint(buf, vlen)
	buf = binary.AppendUvarint(buf, uint64(tstamp))
	buf = utils.AppendChecksum(cs, buf)
	return &StoredFileLocation{
		Floc: FileLocation{
			Fnum:  fnum,
			Start: start,
			Klen:  klen,
			Vlen:  vlen,
			Time:  tstamp,
		},
		Buf: buf,
	}
}

// DecodeFileLocation reads a checksummed FileLocation encoding,
// returning the location and the number of bytes consumed.
func DecodeFileLocation(buf []byte, cs utils.Checksummer) (FileLocation, int, error) {
	var fl FileLocation
	idx := 0
	fnum, n := binary.Uvarint(buf[idx:])
	if n <= 0 {
		return fl, 0, ErrCorruptLocation
	}
	idx += n
	start, n := binary.Uvarint(buf[idx:])
	if n <= 0 {
		return fl, 0, ErrCorruptLocation
	}
	idx += n
	klen, n := binary.Uvarint(buf[idx:])
	if n <= 0 {
		return fl, 0, ErrCorruptLocation
	}
	idx += n
	vlen, n := binary.Uvarint(buf[idx:])
	if n <= 0 {
		return fl, 0, ErrCorruptLocation
	}
	idx += n
	tstamp, n := binary.Uvarint(buf[idx:])
	if n <= 0 {
		return fl, 0, ErrCorruptLocation
	}
	idx += n

	if idx+cs.Size() > len(buf) {
		return fl, 0, ErrCorruptLocation
	}
	if _, err := utils.VerifyChecksum(cs, buf[:idx+cs.Size()]); err != nil {
		return fl, 0, err
	}

	fl.Fnum = FileNum(fnum)
	fl.Start = start
	fl.Klen = klen
	fl.Vlen = vlen
	fl.Time = int64(tstamp)
	return fl, idx + cs.Size(), nil
}
