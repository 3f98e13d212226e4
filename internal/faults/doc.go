// Package faults defines the error kinds shared by every manager.
//
// Errors are tagged with one of the exported sentinel markers so callers can
// classify failures with errors.Is without string matching. Only
// configuration errors at startup are allowed to stop a manager; every other
// kind degrades a single operation.
package faults
