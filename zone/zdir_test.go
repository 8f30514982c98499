package zone

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cqkv/zonedb/fio"
)

func TestDir_Paths(t *testing.T) {
	d := NewDir("/base", 3)
	assert.Equal(t, filepath.Join("/base", "zone_3"), d.Path)
	assert.Equal(t, filepath.Join("/base", "zone_3", "000000042.dat"), d.DataFilePath(42))
	assert.Equal(t, filepath.Join("/base", "zone_3", "000000042.ind"), d.IndexFilePath(42))
}

func TestDir_MaxFileNum(t *testing.T) {
	d := NewDir(t.TempDir(), 0)
	assert.Nil(t, d.Ensure())

	fnum, err := d.MaxFileNum()
	assert.Nil(t, err)
	assert.Equal(t, uint32(0), fnum)

	for _, name := range []string{"000000001.dat", "000000007.dat", "000000003.dat", "junk.txt"} {
		assert.Nil(t, os.WriteFile(filepath.Join(d.Path, name), nil, 0644))
	}
	fnum, err = d.MaxFileNum()
	assert.Nil(t, err)
	assert.Equal(t, uint32(7), fnum)
}

func TestDir_OpenLiveAndRemove(t *testing.T) {
	d := NewDir(t.TempDir(), 0)
	assert.Nil(t, d.Ensure())

	lp, err := d.OpenLive(1, fio.DefaultCreator)
	assert.Nil(t, err)
	assert.Equal(t, uint32(1), lp.Fnum)
	assert.Equal(t, uint64(0), lp.Dat.Size)

	_, err = lp.Dat.IO.Write([]byte("record"))
	assert.Nil(t, err)
	assert.Nil(t, lp.Close())

	// Reopening picks up the existing length.
	lp, err = d.OpenLive(1, fio.DefaultCreator)
	assert.Nil(t, err)
	assert.Equal(t, uint64(6), lp.Dat.Size)
	assert.Nil(t, lp.Close())

	assert.Nil(t, d.RemovePair(1))
	_, err = os.Stat(d.DataFilePath(1))
	assert.True(t, os.IsNotExist(err))

	// Removing an already absent pair is not an error.
	assert.Nil(t, d.RemovePair(1))
}

func TestDir_OpenDataRead(t *testing.T) {
	d := NewDir(t.TempDir(), 0)
	assert.Nil(t, d.Ensure())

	_, err := d.OpenDataRead(9)
	assert.NotNil(t, err)

	lp, err := d.OpenLive(9, fio.DefaultCreator)
	assert.Nil(t, err)
	_, err = lp.Dat.IO.Write([]byte("xyz"))
	assert.Nil(t, err)
	assert.Nil(t, lp.Close())

	df, err := d.OpenDataRead(9)
	assert.Nil(t, err)
	defer df.Close()
	buf, err := df.ReadNBytes(0, 3)
	assert.Nil(t, err)
	assert.Equal(t, []byte("xyz"), buf)
}
