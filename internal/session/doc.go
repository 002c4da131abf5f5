// Package session coordinates tab capture sessions.
//
// The Coordinator owns the single capture session and the recorder host
// lifecycle. It talks to the host over a bus endpoint, persists the segments
// the host pushes, and answers the control protocol through a Router. Client
// is the UI-side counterpart used over any bus endpoint.
package session
