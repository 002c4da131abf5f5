// Package acquire resolves capture targets and acquires the singleton capture
// stream with a bounded retry budget. Only transient failures are retried;
// anything else propagates on the first attempt.
package acquire
