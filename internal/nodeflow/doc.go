// Package nodeflow holds the layered subgraph value object exchanged between
// samplers and trainers.
//
// A NodeFlow is built once, either by a sampler or by splitting a decoded
// transfer with FromSubgraph, and is immutable afterwards. Every accessor
// returns copies.
package nodeflow
