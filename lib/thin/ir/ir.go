// Package ir defines the intermediate event stream a dump emits:
// a superblock, zero or more shared definitions each holding a run
// of mappings, then zero or more devices each holding a mix of
// mapping runs and references to shared definitions.
package ir

// Visit is the return value of a MetadataVisitor callback, controlling
// whether emission continues or stops.
type Visit int

const (
	VisitContinue Visit = iota
	VisitStop
)

// Superblock is the emitted superblock record.
type Superblock struct {
	UUID          string
	Time          uint32
	Transaction   uint64
	Flags         *uint32 // nil when needs_check is unset
	Version       uint32
	DataBlockSize uint32
	NrDataBlocks  uint64
	MetadataSnap  *uint64
}

// Device is the emitted per-device record.
type Device struct {
	DevID          uint64
	MappedBlocks   uint64
	Transaction    uint64
	CreationTime   uint32
	SnapTime       uint32
}

// Map is one coalesced run of mappings: a single_mapping when Len==1,
// a range_mapping otherwise.
type Map struct {
	ThinBegin uint64
	DataBegin uint64
	Time      uint32
	Len       uint64
}

// MetadataVisitor receives the event stream described in spec.md §4.7:
//
//	superblock_b(sb); [def_shared_b(id); {map(run)}* ; def_shared_e();]*
//	  [device_b(dev); {map(run) | ref_shared(id)}*; device_e();]*
//	superblock_e(); eof();
type MetadataVisitor interface {
	SuperblockB(sb *Superblock) (Visit, error)
	SuperblockE() (Visit, error)
	DefSharedB(name string) (Visit, error)
	DefSharedE() (Visit, error)
	DeviceB(d *Device) (Visit, error)
	DeviceE() (Visit, error)
	Map(m *Map) (Visit, error)
	RefShared(name string) (Visit, error)
	Eof() (Visit, error)
}
