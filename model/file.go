package model

import (
	"github.com/cqkv/zonedb/fio"
)

// DataFile is a read-side handle on one stored file.
type DataFile struct {
	Fnum      FileNum
	IoManager fio.IOManager
}

func OpenDataFile(fnum FileNum, ioManager fio.IOManager) *DataFile {
	return &DataFile{
		Fnum:      fnum,
		IoManager: ioManager,
	}
}

func (df *DataFile) Sync() error {
	return df.IoManager.Sync()
}

func (df *DataFile) Close() error {
	return df.IoManager.Close()
}

func (df *DataFile) Size() (int64, error) {
	return df.IoManager.Size()
}

// ReadNBytes returns up to n bytes starting at offset, clamped to the
// end of the file.
func (df *DataFile) ReadNBytes(offset, n int64) ([]byte, error) {
	fileSize, err := df.IoManager.Size()
	if err != nil {
		return nil, err
	}
	if offset+n > fileSize {
		n = fileSize - offset
	}
	buf := make([]byte, n)
	if _, err = df.IoManager.Read(buf, offset); err != nil {
		return nil, err
	}
	return buf, nil
}
