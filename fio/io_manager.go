package fio

// Creator builds the IOManager for a file path; can be custom in
// options.
type Creator func(path string) (IOManager, error)

// DefaultCreator opens a plain FileIO.
var DefaultCreator Creator = func(path string) (IOManager, error) {
	return NewFileIO(path)
}

// IOManager can be custom in options.
type IOManager interface {
	Read([]byte, int64) (int, error)
	Write([]byte) (int, error)
	Sync() error
	Close() error
	Size() (int64, error)
	// Seek moves the write cursor, returning the resulting offset.
	// Used to recover file space after a partial write.
	Seek(offset int64, whence int) (int64, error)
	Truncate(size int64) error
}
