// Package disks models mounted volumes and classifies them.
//
// A Constraint is a closed tree of predicates over a mount path (True, False,
// FilePresent, NumberOfFiles, And, Or, Not). Matches evaluates a tree without
// side effects; filesystem failures make the affected leaf false instead of
// surfacing an error. A Classifier evaluates ordered rules and returns the
// category of the first match, so more specific rules must come first.
package disks
