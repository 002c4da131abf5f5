// Package recorder implements the recorder host: the isolated context that
// owns the live stream and the encoder. It is driven entirely by control
// messages and reports segments and size-ceiling events back to the
// controller. At most one capture is bound at a time, and every exit path
// releases the stream.
package recorder
