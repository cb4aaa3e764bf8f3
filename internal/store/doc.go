// Package store defines the persistence contracts for resumable progress and
// run history. Implementations live under internal/storage; this package must
// not import database drivers or concrete clients.
package store
