package codec

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/cqkv/zonedb/model"
	"github.com/cqkv/zonedb/utils"
)

/*
default codec:
	data record:  tombstone(1) | keySize(uvarint) | valueSize(uvarint) | tstamp(uvarint) | key | value | checksum
	index entry:  keySize(uvarint) | key | checksum | encoded FileLocation (self-checksummed)
	the checksum covers every preceding byte of its frame
*/

// MaxRecordHeaderSize bounds the fixed part of a data record frame.
const MaxRecordHeaderSize = 1 + 2*binary.MaxVarintLen32 + binary.MaxVarintLen64

var ErrCorruptRecord = errors.New("zonedb err: record bytes are corrupted")

type CodecImpl struct {
	cs utils.Checksummer
}

func NewCodecImpl(cs utils.Checksummer) *CodecImpl {
	if cs == nil {
		cs = utils.Crc32Checksummer{}
	}
	return &CodecImpl{cs: cs}
}

func (cl *CodecImpl) Checksummer() utils.Checksummer { return cl.cs }

func (cl *CodecImpl) MarshalRecord(record *model.Record) ([]byte, int64, error) {
	buf := make([]byte, 0, MaxRecordHeaderSize+len(record.Key)+len(record.Value)+cl.cs.Size())
	if record.Tombstone {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.AppendUvarint(buf, uint64(len(record.Key)))
	buf = binary.AppendUvarint(buf, uint64(len(record.Value)))
	buf = binary.AppendUvarint(buf, uint64(record.Time))
	buf = append(buf, record.Key...)
	buf = append(buf, record.Value...)
	buf = utils.AppendChecksum(cl.cs, buf)
	return buf, int64(len(buf)), nil
}

func (cl *CodecImpl) ReadRecord(df *model.DataFile, offset int64) (*model.Record, int64, error) {
	headerBuf, err := df.ReadNBytes(offset, MaxRecordHeaderSize)
	if err != nil {
		return nil, 0, err
	}
	if len(headerBuf) < 4 {
		return nil, 0, io.EOF
	}

	tombstone := headerBuf[0] == 1
	idx := 1
	klen, n := binary.Uvarint(headerBuf[idx:])
	if n <= 0 {
		return nil, 0, ErrCorruptRecord
	}
	idx += n
	vlen, n := binary.Uvarint(headerBuf[idx:])
	if n <= 0 {
		return nil, 0, ErrCorruptRecord
	}
	idx += n
	tstamp, n := binary.Uvarint(headerBuf[idx:])
	if n <= 0 {
		return nil, 0, ErrCorruptRecord
	}
	idx += n

	total := int64(idx) + int64(klen) + int64(vlen) + int64(cl.cs.Size())
	frame, err := df.ReadNBytes(offset, total)
	if err != nil {
		return nil, 0, err
	}
	if int64(len(frame)) < total {
		return nil, 0, io.EOF
	}
	payload, err := utils.VerifyChecksum(cl.cs, frame)
	if err != nil {
		return nil, 0, err
	}

	record := &model.Record{
		Tombstone: tombstone,
		Time:      int64(tstamp),
		Key:       payload[idx : idx+int(klen)],
		Value:     payload[idx+int(klen) : idx+int(klen)+int(vlen)],
	}
	return record, total, nil
}

func (cl *CodecImpl) MarshalIndexEntry(key []byte, sfloc *model.StoredFileLocation) ([]byte, int64, error) {
	buf := make([]byte, 0, binary.MaxVarintLen32+len(key)+cl.cs.Size()+len(sfloc.Buf))
	buf = binary.AppendUvarint(buf, uint64(len(key)))
	buf = append(buf, key...)
	buf = utils.AppendChecksum(cl.cs, buf)
	buf = append(buf, sfloc.Buf...)
	return buf, int64(len(buf)), nil
}

func (cl *CodecImpl) ReadIndexEntry(df *model.DataFile, offset int64) ([]byte, model.FileLocation, int64, error) {
	var floc model.FileLocation

	headerBuf, err := df.ReadNBytes(offset, binary.MaxVarintLen32)
	if err != nil {
		return nil, floc, 0, err
	}
	if len(headerBuf) == 0 {
		return nil, floc, 0, io.EOF
	}
	klen, n := binary.Uvarint(headerBuf)
	if n <= 0 {
		return nil, floc, 0, ErrCorruptRecord
	}

	keyend := int64(n) + int64(klen) + int64(cl.cs.Size())
	// the location encoding is bounded by five max-length varints
	maxEntry := keyend + 5*binary.MaxVarintLen64 + int64(cl.cs.Size())
	frame, err := df.ReadNBytes(offset, maxEntry)
	if err != nil {
		return nil, floc, 0, err
	}
	if int64(len(frame)) < keyend {
		return nil, floc, 0, io.EOF
	}
	keyPart, err := utils.VerifyChecksum(cl.cs, frame[:keyend])
	if err != nil {
		return nil, floc, 0, err
	}
	key := keyPart[n:]

	floc, flen, err := model.DecodeFileLocation(frame[keyend:], cl.cs)
	if err != nil {
		return nil, floc, 0, err
	}
	return key, floc, keyend + int64(flen), nil
}
