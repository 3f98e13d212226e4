// Package main hosts the astoria CLI entrypoint and command graph.
//
// The same binary runs each manager daemon (diskd, metad, procd) and the
// control commands that talk to running managers over the bus: killing or
// restarting user code, overriding metadata, listing disks and registering
// static disks. Configuration is resolved once per invocation and shared by
// every subcommand.
package main
