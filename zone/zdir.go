package zone

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cqkv/zonedb/fio"
	"github.com/cqkv/zonedb/model"
)

const (
	DataFileSuffix  = ".dat"
	IndexFileSuffix = ".ind"
)

// Dir is the directory holding one zone's data and index files.
type Dir struct {
	Path string
	Zone int
}

func NewDir(basePath string, zone int) Dir {
	return Dir{
		Path: filepath.Join(basePath, fmt.Sprintf("zone_%d", zone)),
		Zone: zone,
	}
}

func (d Dir) Ensure() error {
	return os.MkdirAll(d.Path, os.ModePerm)
}

func FileSeqName(fnum model.FileNum) string {
	return fmt.Sprintf("%09d", fnum)
}

func (d Dir) DataFilePath(fnum model.FileNum) string {
	return filepath.Join(d.Path, FileSeqName(fnum)+DataFileSuffix)
}

func (d Dir) IndexFilePath(fnum model.FileNum) string {
	return filepath.Join(d.Path, FileSeqName(fnum)+IndexFileSuffix)
}

// OpenLive opens (creating if needed) the data and index files of a
// pair for appending and caches their current lengths.
func (d Dir) OpenLive(fnum model.FileNum, creator fio.Creator) (*model.LivePair, error) {
	lp := &model.LivePair{Fnum: fnum}

	datPath := d.DataFilePath(fnum)
	datIO, err := creator(datPath)
	if err != nil {
		return nil, err
	}
	datSize, err := datIO.Size()
	if err != nil {
		_ = datIO.Close()
		return nil, err
	}
	lp.Dat = model.LiveFile{Path: datPath, IO: datIO, Size: uint64(datSize)}

	indPath := d.IndexFilePath(fnum)
	indIO, err := creator(indPath)
	if err != nil {
		_ = datIO.Close()
		return nil, err
	}
	indSize, err := indIO.Size()
	if err != nil {
		_ = lp.Close()
		return nil, err
	}
	lp.Ind = model.LiveFile{Path: indPath, IO: indIO, Size: uint64(indSize)}

	return lp, nil
}

// OpenDataRead opens a stored data file for reads only.
func (d Dir) OpenDataRead(fnum model.FileNum) (*model.DataFile, error) {
	ioManager, err := fio.NewReadOnlyFileIO(d.DataFilePath(fnum))
	if err != nil {
		return nil, err
	}
	return model.OpenDataFile(fnum, ioManager), nil
}

// OpenIndexRead opens a stored index file for reads only.
func (d Dir) OpenIndexRead(fnum model.FileNum) (*model.DataFile, error) {
	ioManager, err := fio.NewReadOnlyFileIO(d.IndexFilePath(fnum))
	if err != nil {
		return nil, err
	}
	return model.OpenDataFile(fnum, ioManager), nil
}

// RemovePair deletes both physical files of a fully stale pair.
func (d Dir) RemovePair(fnum model.FileNum) error {
	for _, path := range []string{d.DataFilePath(fnum), d.IndexFilePath(fnum)} {
		if _, err := os.Stat(path); err == nil {
			if err = os.Remove(path); err != nil {
				return err
			}
		}
	}
	return nil
}

// MaxFileNum scans the zone directory for the highest assigned file
// number, so numbering resumes after a restart.
func (d Dir) MaxFileNum() (model.FileNum, error) {
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var maxFnum model.FileNum
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, DataFileSuffix) {
			continue
		}
		stem := strings.TrimSuffix(name, DataFileSuffix)
		fnum, err := strconv.ParseUint(stem, 10, 32)
		if err != nil {
			continue
		}
		if model.FileNum(fnum) > maxFnum {
			maxFnum = model.FileNum(fnum)
		}
	}
	return maxFnum, nil
}
