// Package scheduler drives the per-minute tick: for every schedulable event it
// evaluates the catch-up window, consumes fired single rules, hands matches to the
// job manager and persists the event cursor.
package scheduler
