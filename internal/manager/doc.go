// Package manager implements the lifecycle shared by every astoria manager.
//
// A Runtime owns one manager's bus session and a single-consumer event loop.
// Bus deliveries, RPC requests and implementation callbacks are all posted to
// the loop and run one at a time in arrival order, so implementations keep
// their state without locks as long as they only touch it from the loop.
//
// The lifecycle is Starting, WaitingForDependencies, Online, Offline. A
// manager goes online once every declared dependency has a retained "online"
// status, publishes its own retained status and state, and returns to
// WaitingForDependencies after a reconnect until its dependencies are seen
// online again. The broker publishes the retained "offline" will if the
// session drops; a graceful shutdown publishes it explicitly.
package manager
