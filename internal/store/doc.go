// Package store keeps the journal of executed tasks: one row per task with
// its status transitions, error text and timing.
package store
