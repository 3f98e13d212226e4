// Package metrics holds the Prometheus collectors shared by the managers and
// the optional diagnostics HTTP listener that exposes them alongside the
// manager's runtime snapshot.
package metrics
