package disks

import (
	"maps"
	"slices"
)

// Category is the classification of a mounted volume.
type Category string

const (
	CategoryUsercode Category = "USERCODE"
	CategoryMetadata Category = "METADATA"
	CategoryUpdate   Category = "UPDATE"
	CategoryNoAction Category = "NOACTION"
)

// Volume is one mounted disk. The category is computed once when the volume
// is first seen.
type Volume struct {
	UUID      string   `json:"uuid"`
	MountPath string   `json:"mount_path"`
	Category  Category `json:"category"`
}

// Inventory is the set of mounted volumes keyed by uuid.
type Inventory map[string]Volume

// Equal reports whether both inventories hold the same volumes.
func (inv Inventory) Equal(other Inventory) bool {
	return maps.Equal(inv, other)
}

// Clone returns an independent copy.
func (inv Inventory) Clone() Inventory {
	if inv == nil {
		return Inventory{}
	}
	return maps.Clone(inv)
}

// Sorted returns the volumes ordered by uuid.
func (inv Inventory) Sorted() []Volume {
	out := make([]Volume, 0, len(inv))
	for _, key := range slices.Sorted(maps.Keys(inv)) {
		out = append(out, inv[key])
	}
	return out
}

// ByCategory returns the volumes of category c ordered by uuid.
func (inv Inventory) ByCategory(c Category) []Volume {
	var out []Volume
	for _, v := range inv.Sorted() {
		if v.Category == c {
			out = append(out, v)
		}
	}
	return out
}

// Diff lists the volumes present only in next (added) and only in prev
// (removed). A uuid whose mount path changed appears in both.
func Diff(prev, next Inventory) (added, removed []Volume) {
	for _, v := range next.Sorted() {
		if old, ok := prev[v.UUID]; !ok || old != v {
			added = append(added, v)
		}
	}
	for _, v := range prev.Sorted() {
		if cur, ok := next[v.UUID]; !ok || cur != v {
			removed = append(removed, v)
		}
	}
	return added, removed
}

// Snapshot is the retained state published by the disk manager.
type Snapshot struct {
	Disks Inventory `json:"disks"`
}
