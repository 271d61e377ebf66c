// Package postgres provides the PostgreSQL implementations of the
// scheduler's TaskStore and the store package's RecordStore. It handles
// query execution, row scanning, and mapping driver errors onto the
// store's sentinel errors.
package postgres
