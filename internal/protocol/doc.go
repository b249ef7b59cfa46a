// Package protocol owns the subgraph wire contract and parsing primitives.
//
// Ownership boundary:
// - subgraph payload encode/decode (Serialize / Deserialize)
// - frame/header primitives (frame)
// - count-prefixed array field primitives (tlv)
// - field order validation (schema)
// - transport configuration and retry policy (session)
package protocol
