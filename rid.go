// rid.go
//
// Responsible-identity tracking. Every goroutine has a mutable RID slot
// used to attribute opens and closes to the goroutine that logically owns
// them. The default value of a slot identifies the goroutine itself; code
// may temporarily overwrite the slot to impersonate another goroutine's
// identity while opening or closing sources, and must restore it after.

package rasterpool

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// RID is an opaque, stable identifier for the goroutine responsible for an
// open. RIDs are only ever compared for equality.
type RID uint64

// ridSlots maps goroutine id → explicitly assigned RID. Goroutines that
// never call SetCurrentRID have no slot and default to a RID derived from
// their own id, so the map stays empty in the common case.
var ridSlots sync.Map // map[uint64]RID

// CurrentRID returns the responsible identity of the calling goroutine.
//
// Unless overridden with SetCurrentRID, the returned value identifies the
// calling goroutine itself and is stable for the goroutine's lifetime.
func CurrentRID() RID {
	id := goid()
	if v, ok := ridSlots.Load(id); ok {
		return v.(RID)
	}
	return RID(id)
}

// SetCurrentRID overwrites the calling goroutine's responsible identity.
//
// Setting the goroutine's own default identity clears the slot, so a
// set/restore pair leaves no state behind:
//
//	prev := CurrentRID()
//	SetCurrentRID(other)
//	defer SetCurrentRID(prev)
func SetCurrentRID(r RID) {
	id := goid()
	if r == RID(id) {
		ridSlots.Delete(id)
		return
	}
	ridSlots.Store(id, r)
}

var goroutinePrefix = []byte("goroutine ")

// goid extracts the runtime id of the calling goroutine from its stack
// header. The header format ("goroutine N [state]:") has been stable for
// the life of the Go runtime and is the same source of truth the runtime's
// own traceback code prints.
func goid() uint64 {
	var buf [32]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], goroutinePrefix)
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(b[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
