package comm

import "fmt"

// State is the communicator lifecycle phase.
type State string

const (
	StateCreated     State = "created"
	StateInitialized State = "initialized"
	StateActive      State = "active"
	StateFinalized   State = "finalized"
)

type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

func (r Role) valid() bool {
	return r == RoleSender || r == RoleReceiver
}

func transitionError(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrLifecycleOrder, from, to)
}
