// Package comm moves opaque frames between sampler and trainer processes.
//
// A Communicator is bound once to the sender or receiver role, carries frames
// until Finalize, and is never reused. Receivers fan many sender connections
// into one ByteQueue bounded by total payload bytes; a full queue stalls the
// connection readers, which in turn stalls the senders through TCP flow
// control.
package comm
