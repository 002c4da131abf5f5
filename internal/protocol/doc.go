// Package protocol defines the control messages exchanged between the session
// controller and the recorder host. Messages form a closed set of kinds, each
// with its own payload schema, and are validated on receipt. It also defines
// the error taxonomy and the retry policy applied to each error class.
package protocol
