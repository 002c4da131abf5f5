// Package platform abstracts the host facilities a capture session depends on:
// capturable targets, stream references, live streams and the incremental
// encoder. Synthetic provides a deterministic implementation used by the
// service binary and by tests.
package platform
