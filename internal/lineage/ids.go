package lineage

import "fmt"

// SpotID is a generation-checked handle to a spot. The low 32 bits hold the
// arena slot and the high 32 bits the slot generation, so a handle to a
// removed spot never aliases a spot that later reuses the slot. The zero
// value is never a live handle.
type SpotID uint64

// LinkID is a generation-checked handle to a link, laid out like SpotID.
type LinkID uint64

func packID(slot, gen uint32) uint64 { return uint64(gen)<<32 | uint64(slot) }

func (id SpotID) slot() uint32 { return uint32(id) }
func (id SpotID) gen() uint32  { return uint32(id >> 32) }
func (id LinkID) slot() uint32 { return uint32(id) }
func (id LinkID) gen() uint32  { return uint32(id >> 32) }

func (id SpotID) String() string { return fmt.Sprintf("S%d.%d", id.slot(), id.gen()) }
func (id LinkID) String() string { return fmt.Sprintf("L%d.%d", id.slot(), id.gen()) }
