// Package metadata merges prioritized configuration sources into the robot's
// authoritative Metadata record.
//
// Each Source carries string fields and the set of field names it may set.
// Merge overlays sources from lowest to highest priority, later-loaded
// sources winning ties. Build turns merged fields into a typed Metadata and
// validates it; a Set keeps the current sources and refuses any change whose
// result would not validate, leaving the previous Metadata in place.
package metadata
