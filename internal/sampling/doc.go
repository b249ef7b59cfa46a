// Package sampling is the host-facing surface: samplers push NodeFlows
// through a Sender and trainers pull them from a Receiver. Both wrap a
// comm.Communicator and own the codec step on their side of the wire.
package sampling
