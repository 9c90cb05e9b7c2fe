// Package history keeps a journal of characteristic value changes.
//
// The Recorder is registered as a bridge observer. Every
// characteristic.changed event is queued without blocking the dispatcher,
// then written by a single goroutine to the SQLite journal and, for numeric
// and boolean values, to InfluxDB.
//
// The journal is an audit trail for operators and application runtimes.
// The accessory cache never reads from it.
package history
