// Package crawler defines the types and capability interfaces that crawl
// handlers hand to the error snapshot pipeline: the failing error, the page or
// body that was being processed, and the key-value store of the current run.
package crawler
