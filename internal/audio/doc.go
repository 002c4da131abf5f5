// Package audio accumulates encoded chunks and cuts them into segments.
// A segment closes when the buffered size reaches the size ceiling or, when
// rollover is enabled, when the elapsed time since the previous boundary
// reaches the segment duration. Neither type is safe for concurrent use;
// each belongs to the single goroutine of a recorder host.
package audio
