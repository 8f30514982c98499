package model

// Record is one key/value pair as stored in a data file.
type Record struct {
	Key       []byte
	Value     []byte
	Tombstone bool
	Time      int64 // write timestamp, unix nanoseconds
}

// Meta travels with each write through the actor fabric.
type Meta struct {
	Tombstone bool
	Timestamp int64
}
