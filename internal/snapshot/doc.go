// Package snapshot captures best-effort diagnostics when a crawl handler fails.
//
// A Snapshotter takes the failing error and its crawling context, stores a
// screenshot and/or the HTML markup in the run's key-value store under a name
// derived from the error, and returns URLs for whatever was stored. Capture
// never fails the caller: any problem at any tier leaves that artifact absent.
package snapshot
