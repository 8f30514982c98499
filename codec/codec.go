package codec

import (
	"github.com/cqkv/zonedb/model"
	"github.com/cqkv/zonedb/utils"
)

// Codec frames records for the data file and entries for the index
// file. Implement your own to change the on-disk layout; every frame
// must carry a verifiable checksum so a data file alone can rebuild
// its index after a crash.
type Codec interface {
	// MarshalRecord returns the framed record and its encoded size.
	MarshalRecord(record *model.Record) ([]byte, int64, error)

	// ReadRecord decodes the record starting at offset, returning it
	// together with its total encoded length.
	ReadRecord(df *model.DataFile, offset int64) (*model.Record, int64, error)

	// MarshalIndexEntry frames a key and its stored location for the
	// index file.
	MarshalIndexEntry(key []byte, sfloc *model.StoredFileLocation) ([]byte, int64, error)

	// ReadIndexEntry decodes one index entry starting at offset.
	ReadIndexEntry(df *model.DataFile, offset int64) ([]byte, model.FileLocation, int64, error)

	Checksummer() utils.Checksummer
}
