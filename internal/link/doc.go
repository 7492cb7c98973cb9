// Package link owns the reliable message core above a framed serial link.
//
// Ownership boundary:
// - splitting outbound messages into acknowledged fragments
// - the sender ring: a fixed cycle of workers passing one baton (the
//   fragment queue) so that up to PipelineDepth fragments are in flight
// - the ack table, msg_id fencing, and the shared write guard
// - demultiplexing inbound units into acks, data fragments and passthrough
//
// The framer below and the reassembler above are collaborators. Acceptance
// by Writer.WriteMessage never means delivery; use WriteTracked for that.
//
// Any task exiting tears the link down, after which both handles fail.
package link
