package comm

import "fmt"

// WorkerType names the pools of specialised workers serving a zone.
type WorkerType uint8

const (
	WorkerCache WorkerType = iota
	WorkerFile
	WorkerWriter
	WorkerGc
	WorkerZone
)

func (wt WorkerType) String() string {
	switch wt {
	case WorkerCache:
		return "cbot"
	case WorkerFile:
		return "fbot"
	case WorkerWriter:
		return "wbot"
	case WorkerGc:
		return "gbot"
	case WorkerZone:
		return "zbot"
	}
	return "unknown"
}

// ZoneWorkerTypes lists the pooled worker types present in every zone.
var ZoneWorkerTypes = []WorkerType{WorkerCache, WorkerFile, WorkerWriter, WorkerGc}

// WorkerID identifies one worker: its type, zone and pool index.
// The zone allocator has Type == WorkerZone and Index 0.
type WorkerID struct {
	Type  WorkerType
	Zone  int
	Index int
}

func (id WorkerID) String() string {
	return fmt.Sprintf("z%d/%s%d", id.Zone, id.Type, id.Index)
}
