package reconcile

import "fmt"

// Scenario classifies how a skill's record relates to its workspace. The set
// is closed: every implementation lives in this file.
type Scenario interface {
	Name() string
	fmt.Stringer
	scenario()
}

// DiskOnly: artifacts exist on disk but the store has no record.
type DiskOnly struct {
	Highest int
}

// DBAhead: the record claims progress the workspace cannot confirm.
type DBAhead struct {
	Claimed   int
	Confirmed int
}

// DiskAhead: the workspace proves more progress than the record holds.
type DiskAhead struct {
	Claimed int
	Highest int
}

// MissingMarker: record and disk agree but the skill marker file is gone.
type MissingMarker struct{}

type InSync struct {
	Highest int
}

const (
	NameDiskOnly      = "disk-only"
	NameDBAhead       = "db-ahead-of-disk"
	NameDiskAhead     = "disk-ahead-of-db"
	NameMissingMarker = "missing-marker"
	NameInSync        = "in-sync"
)

func (DiskOnly) scenario()      {}
func (DBAhead) scenario()       {}
func (DiskAhead) scenario()     {}
func (MissingMarker) scenario() {}
func (InSync) scenario()        {}

func (DiskOnly) Name() string      { return NameDiskOnly }
func (DBAhead) Name() string       { return NameDBAhead }
func (DiskAhead) Name() string     { return NameDiskAhead }
func (MissingMarker) Name() string { return NameMissingMarker }
func (InSync) Name() string        { return NameInSync }

func (s DiskOnly) String() string {
	return fmt.Sprintf("%s: no record, disk complete through step %d", NameDiskOnly, s.Highest)
}

func (s DBAhead) String() string {
	return fmt.Sprintf("%s: record at step %d, disk confirms step %d", NameDBAhead, s.Claimed, s.Confirmed)
}

func (s DiskAhead) String() string {
	return fmt.Sprintf("%s: record at step %d, disk complete through step %d", NameDiskAhead, s.Claimed, s.Highest)
}

func (MissingMarker) String() string {
	return NameMissingMarker + ": skill marker absent"
}

func (s InSync) String() string {
	return fmt.Sprintf("%s: disk complete through step %d", NameInSync, s.Highest)
}
