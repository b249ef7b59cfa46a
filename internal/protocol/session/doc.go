// Package session owns transport configuration shared by both ends of a
// flow link.
//
// Ownership boundary:
// - connect/write timeouts and retry budgets
// - frame size and receive queue limits
// - retry backoff primitives
package session
