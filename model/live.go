package model

import (
	"github.com/cqkv/zonedb/fio"
)

// LiveFile caches the open handle and current length of one growable
// file so appends never need a fresh stat call.
type LiveFile struct {
	Path string
	IO   fio.IOManager
	Size uint64
}

func (lf *LiveFile) Open() bool { return lf.IO != nil }

func (lf *LiveFile) Close() error {
	if lf.IO == nil {
		return nil
	}
	err := lf.IO.Close()
	lf.IO = nil
	return err
}

// LivePair is the single writable (data, index) file pair owned by
// one writer worker at a time. Closed, not deleted, on rotation; the
// files persist as read-only history until fully stale.
type LivePair struct {
	Fnum FileNum
	Dat  LiveFile
	Ind  LiveFile
}

func (lp *LivePair) Sync() error {
	if lp.Dat.Open() {
		if err := lp.Dat.IO.Sync(); err != nil {
			return err
		}
	}
	if lp.Ind.Open() {
		return lp.Ind.IO.Sync()
	}
	return nil
}

func (lp *LivePair) Close() error {
	derr := lp.Dat.Close()
	ierr := lp.Ind.Close()
	if derr != nil {
		return derr
	}
	return ierr
}
