// Package store declares the persistence contracts for tasks, page results,
// domain events and page snapshots.
package store
