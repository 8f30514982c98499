package fio

import "os"

// FileIO is the default implement for IOManager. The file is opened
// read-write with the cursor at the end, rather than in append mode,
// so that a partial write can be recovered by seeking back.
type FileIO struct {
	fd *os.File
}

func NewFileIO(file string) (*FileIO, error) {
	fd, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if _, err = fd.Seek(0, 2); err != nil {
		_ = fd.Close()
		return nil, err
	}
	return &FileIO{fd: fd}, nil
}

// NewReadOnlyFileIO opens an existing file for reads only.
func NewReadOnlyFileIO(file string) (*FileIO, error) {
	fd, err := os.OpenFile(file, os.O_RDONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &FileIO{fd: fd}, nil
}

func (fio *FileIO) Read(buf []byte, offset int64) (int, error) {
	return fio.fd.ReadAt(buf, offset)
}

func (fio *FileIO) Write(data []byte) (int, error) {
	return fio.fd.Write(data)
}

func (fio *FileIO) Sync() error {
	return fio.fd.Sync()
}

func (fio *FileIO) Close() error {
	return fio.fd.Close()
}

func (fio *FileIO) Size() (int64, error) {
	stat, err := fio.fd.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

func (fio *FileIO) Seek(offset int64, whence int) (int64, error) {
	return fio.fd.Seek(offset, whence)
}

func (fio *FileIO) Truncate(size int64) error {
	return fio.fd.Truncate(size)
}
