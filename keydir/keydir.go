package keydir

import (
	"github.com/cqkv/zonedb/model"
)

// Keydir defined the keydir interface
// you can use some other data structure once you implement this interface
type Keydir interface {
	Put(key []byte, loc *model.FileLocation) bool
	Get(key []byte) *model.FileLocation
	Delete(key []byte) bool
	Size() int
	Ascend(fn func(key []byte, loc *model.FileLocation) bool)
}
