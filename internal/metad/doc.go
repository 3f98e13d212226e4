// Package metad implements astmetad, the metadata manager.
//
// It follows the disk manager's inventory, loading robot-settings.toml from
// the usercode volume and astoria.json from a metadata volume as override
// sources, and answers mutate requests for the arena, zone and mode. Hotspot
// settings are cached so they survive the usercode volume being removed.
package metad
