// Package ipc defines the versioned message envelopes, topic naming and
// request/response correlation used between managers and the control CLI.
//
// Every payload embeds the schema version; receivers reject payloads whose
// major version they do not understand instead of parsing them best effort.
// Requester issues correlated calls with a caller supplied timeout and
// Responder answers each request identifier at most once.
package ipc
