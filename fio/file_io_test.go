package fio

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileIO_WriteRead(t *testing.T) {
	fio, err := NewFileIO(filepath.Join(t.TempDir(), "data"))
	assert.Nil(t, err)
	defer fio.Close()

	n, err := fio.Write([]byte("hello"))
	assert.Nil(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = fio.Read(buf, 0)
	assert.Nil(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), buf)
}

func TestFileIO_AppendsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")

	fio, err := NewFileIO(path)
	assert.Nil(t, err)
	_, err = fio.Write([]byte("aaa"))
	assert.Nil(t, err)
	assert.Nil(t, fio.Close())

	// Reopening must place the cursor at the end, not the start.
	fio, err = NewFileIO(path)
	assert.Nil(t, err)
	defer fio.Close()
	_, err = fio.Write([]byte("bbb"))
	assert.Nil(t, err)

	size, err := fio.Size()
	assert.Nil(t, err)
	assert.Equal(t, int64(6), size)
}

func TestFileIO_RewindAndTruncate(t *testing.T) {
	fio, err := NewFileIO(filepath.Join(t.TempDir(), "data"))
	assert.Nil(t, err)
	defer fio.Close()

	_, err = fio.Write([]byte("keep"))
	assert.Nil(t, err)
	_, err = fio.Write([]byte("drop"))
	assert.Nil(t, err)

	pos, err := fio.Seek(4, io.SeekStart)
	assert.Nil(t, err)
	assert.Equal(t, int64(4), pos)
	assert.Nil(t, fio.Truncate(4))

	size, err := fio.Size()
	assert.Nil(t, err)
	assert.Equal(t, int64(4), size)

	_, err = fio.Write([]byte("more"))
	assert.Nil(t, err)
	buf := make([]byte, 8)
	_, err = fio.Read(buf, 0)
	assert.Nil(t, err)
	assert.Equal(t, []byte("keepmore"), buf)
}

func TestReadOnlyFileIO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	w, err := NewFileIO(path)
	assert.Nil(t, err)
	_, err = w.Write([]byte("stored"))
	assert.Nil(t, err)
	assert.Nil(t, w.Close())

	r, err := NewReadOnlyFileIO(path)
	assert.Nil(t, err)
	defer r.Close()

	buf := make([]byte, 6)
	_, err = r.Read(buf, 0)
	assert.Nil(t, err)
	assert.Equal(t, []byte("stored"), buf)

	_, err = r.Write([]byte("nope"))
	assert.NotNil(t, err)

	_, err = NewReadOnlyFileIO(filepath.Join(t.TempDir(), "missing"))
	assert.NotNil(t, err)
}
