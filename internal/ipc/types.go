package ipc

// Manager names.
const (
	ManagerDisk     = "astdiskd"
	ManagerMetadata = "astmetad"
	ManagerProcess  = "astprocd"
)

// Request kinds understood by astprocd.
const (
	KindKill    = "kill"
	KindRestart = "restart"
)

// Request kinds understood by astmetad.
const (
	KindMutate = "mutate"
)

// Request kinds understood by astdiskd.
const (
	KindAddStaticDisk        = "add_static_disk"
	KindRemoveStaticDisk     = "remove_static_disk"
	KindRemoveAllStaticDisks = "remove_all_static_disks"
)

// MutateRequest sets (or with an empty value clears) one mutable metadata
// attribute.
type MutateRequest struct {
	Attr  string `json:"attr"`
	Value string `json:"value"`
}

// StaticDiskRequest names a directory to register or retract as a disk.
type StaticDiskRequest struct {
	Path string `json:"path"`
}

// UsercodeLogLine is broadcast for every line of user code output.
type UsercodeLogLine struct {
	Version  string `json:"version"`
	RunID    string `json:"run_id"`
	Priority int    `json:"priority"`
	Content  string `json:"content"`
}
