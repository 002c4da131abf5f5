// Package codec converts binary audio payloads to and from the text form
// carried by the control channel. Input is processed in fixed 32KiB
// sub-chunks so large recordings never need one oversized intermediate copy.
package codec
