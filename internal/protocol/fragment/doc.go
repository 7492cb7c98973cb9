// Package fragment owns the fragment wire unit.
//
// Ownership boundary:
// - fragment_id byte layout (END, ACK, 6-bit sequence)
// - payload ++ msg_id ++ fragment_id encoding
// - message splitting and in-order joining
package fragment
