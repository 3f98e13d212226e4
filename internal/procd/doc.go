// Package procd implements astprocd, the process manager.
//
// At most one user code process runs at a time. It is started when a
// usercode volume is inserted, killed when the volume is removed or the disk
// manager goes offline, and can be killed or restarted over RPC. Output is
// written to log.txt on the volume, kept as a bounded tail and broadcast
// line by line. Every run is recorded in a SQLite ledger.
package procd
