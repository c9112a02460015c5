// Package storage persists per-event engine state (catch-up cursor, last job and
// exit code) and the archive of finished jobs.
//
// Drivers: "file" (snapshot + journal, no dependencies), "sqlite" (build tag
// sqlite), "postgres" and "redis". An empty driver or "none" disables storage.
package storage
