package zonedb

import (
	"time"

	"github.com/cqkv/zonedb/codec"
	"github.com/cqkv/zonedb/fio"
	"github.com/cqkv/zonedb/utils"
)

type options struct {
	dirPath  string
	numZones int

	// workers of each kind per zone
	numCacheBots  int
	numFileBots   int
	numWriterBots int
	numGcBots     int

	maxFileBytes      uint64
	gcOn              bool
	autoGc            bool
	gcTriggerFraction float64

	channelCapacity int
	requestTimeout  time.Duration
	reportInterval  time.Duration
	checkInterval   time.Duration
	shutdownMaxWait time.Duration

	ioManagerCreator fio.Creator
	checksummer      utils.Checksummer
	codec            codec.Codec
}

type Option func(*options)

func defaultOptions(dirPath string) *options {
	return &options{
		dirPath:           dirPath,
		numZones:          1,
		numCacheBots:      2,
		numFileBots:       2,
		numWriterBots:     2,
		numGcBots:         1,
		maxFileBytes:      256 << 20,
		gcOn:              true,
		autoGc:            true,
		gcTriggerFraction: 0.3,
		channelCapacity:   100,
		requestTimeout:    5 * time.Second,
		reportInterval:    time.Second,
		checkInterval:     100 * time.Millisecond,
		shutdownMaxWait:   3 * time.Second,
		ioManagerCreator:  fio.DefaultCreator,
	}
}

func WithNumZones(n int) Option {
	return func(o *options) {
		o.numZones = n
	}
}

// WithWorkersPerZone sets the pool sizes of the cache, file state,
// writer and collector workers in every zone.
func WithWorkersPerZone(cache, file, writer, gc int) Option {
	return func(o *options) {
		o.numCacheBots = cache
		o.numFileBots = file
		o.numWriterBots = writer
		o.numGcBots = gc
	}
}

// WithMaxFileBytes sets the size ceiling that triggers live file
// rotation.
func WithMaxFileBytes(n uint64) Option {
	return func(o *options) {
		o.maxFileBytes = n
	}
}

func WithGcOn(on bool) Option {
	return func(o *options) {
		o.gcOn = on
	}
}

func WithAutoGc(auto bool) Option {
	return func(o *options) {
		o.autoGc = auto
	}
}

// WithGcTriggerFraction sets the stale fraction of the file size
// ceiling above which collection of a file is triggered.
func WithGcTriggerFraction(frac float64) Option {
	return func(o *options) {
		o.gcTriggerFraction = frac
	}
}

func WithChannelCapacity(n int) Option {
	return func(o *options) {
		o.channelCapacity = n
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		o.requestTimeout = d
	}
}

func WithShutdownMaxWait(d time.Duration) Option {
	return func(o *options) {
		o.shutdownMaxWait = d
	}
}

func WithIOManagerCreator(fn fio.Creator) Option {
	return func(o *options) {
		o.ioManagerCreator = fn
	}
}

// WithChecksummer replaces the default crc32 framing checksum, for
// example with the keyed highway hash.
func WithChecksummer(cs utils.Checksummer) Option {
	return func(o *options) {
		o.checksummer = cs
	}
}

func WithCodec(codec codec.Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

func (o *options) validate() error {
	if o.numZones < 1 {
		return ErrNoZones
	}
	if o.numCacheBots < 1 || o.numFileBots < 1 || o.numWriterBots < 1 || o.numGcBots < 1 {
		return ErrNoWorkers
	}
	if o.gcTriggerFraction <= 0 || o.gcTriggerFraction > 1 {
		return ErrBadGcFraction
	}
	return nil
}
