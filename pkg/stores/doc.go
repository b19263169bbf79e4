// Package stores persists orchestration state. The SQLite implementation
// keeps runs, their step results, and the event log in a single WAL-mode
// database, applying schema migrations at startup and pruning finished
// runs on a retention window.
package stores
