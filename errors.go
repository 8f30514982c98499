package zonedb

import (
	"fmt"
)

var (
	ErrEmptyKey   = addPrefix("the key is empty")
	ErrNoRecord   = addPrefix("no record for key")
	ErrClosed     = addPrefix("database is closed")
	ErrDirIsUsing = addPrefix("directory is locked by another process")

	ErrNoZones       = addPrefix("need at least one zone")
	ErrNoWorkers     = addPrefix("need at least one worker of each kind per zone")
	ErrBadGcFraction = addPrefix("gc trigger fraction must be in (0, 1]")

	ErrReadTimeout  = addPrefix("no reply to read request")
	ErrWriteTimeout = addPrefix("no reply to write request")
)

func addPrefix(errStr string) error {
	return fmt.Errorf("zonedb err: %s", errStr)
}
