// Package homekit caches the home accessory graph of a native accessory
// framework and bridges reads, writes and change notifications to the rest
// of the process.
//
// The native framework is reached through the Native interface. It reports
// asynchronously: reads, writes and identifies complete later through a
// Sink callback carrying the request token, and observed characteristics
// push notifications through the same Sink.
//
// # Architecture
//
//	 callers ──► RealBridge ──► Correlator ──► Native
//	                │   ▲                        │
//	                │   └──── Sink callbacks ◄───┘
//	                ▼
//	   mutator goroutine ──► Cache (atomic *Snapshot)
//	                │
//	                ▼
//	   Dispatcher goroutine ──► listeners, observers
//
// Every cache mutation runs on the single mutator goroutine and publishes a
// new immutable Snapshot with one atomic store. Queries load the current
// snapshot and never block on mutations. Events produced by a mutation are
// queued on the Dispatcher, which delivers them in order on its own
// goroutine, so a slow listener never stalls the cache.
//
// # Writes
//
// Writes to one characteristic are strictly sequential. While one is in
// flight, later writes wait in FIFO order; when Options.MaxQueuedWrites are
// already waiting, a further write fails with ErrBusy. Reads are never
// queued behind writes. A successful write stores the written value (or
// the value the accessory confirmed) in the cache before it returns.
//
// # Subscriptions
//
// Any number of listeners may subscribe to one characteristic. The first
// listener starts one native observation and the last Unsubscribe ends it.
// After Unsubscribe returns, no further delivery to that listener starts.
//
// # Platform Availability
//
// New returns an UnavailableBridge when the native layer is missing. Every
// fallible operation on it fails with ErrPlatformUnavailable, so callers
// never branch on the platform themselves.
//
// # Errors
//
// Operations return errors wrapping the sentinels in errors.go. Failures
// reported by the native layer are *NativeError values that match both
// ErrNativeError and, when their code is known, the specific sentinel.
package homekit
