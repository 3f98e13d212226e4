// Package logging assembles structured slog loggers and formatting helpers used
// across the astoria managers and the control CLI.
//
// It owns the console and JSON handlers, picks between them automatically when
// the output is not a terminal, and tees each manager's output into a JSON log
// file under the configured log directory. Context helpers tag log lines with
// the manager name and RPC request IDs.
//
// Prefer these constructors over hand-rolled slog setup so every manager emits
// records with the same shape.
package logging
