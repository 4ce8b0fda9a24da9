// Package storage is the durable settings store used by the bot.
//
// It holds:
//   - per-group settings (auto-delete, timeouts, statistics toggle)
//   - broadcast records and their last-sent markers
//   - system flags (e.g. the last run marker)
//   - per-user daily message counters, observed and recovered
//
// Two drivers exist: "sqlite" (modernc, schema managed by goose) and
// "memory" (tests and throwaway runs).
package storage
