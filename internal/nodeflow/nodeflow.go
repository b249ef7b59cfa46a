package nodeflow

import (
	"errors"
	"fmt"

	"github.com/danmuck/flowlink/internal/protocol"
)

var (
	ErrInvalidNodeFlow = errors.New("nodeflow: invalid nodeflow")
	ErrIndexOutOfRange = errors.New("nodeflow: index out of range")
)

// NodeFlow is a layered view of a sampled neighbourhood. Layer i owns the
// local node ids [batchOffsets[i], batchOffsets[i+1]).
type NodeFlow struct {
	graph        protocol.CSR
	batchOffsets []int64
	nodeMapping  []int64
	edgeMapping  []int64
}

// New validates and copies its inputs into a NodeFlow.
func New(graph protocol.CSR, batchOffsets, nodeMapping, edgeMapping []int64) (*NodeFlow, error) {
	if err := validate(graph, batchOffsets, nodeMapping, edgeMapping); err != nil {
		return nil, err
	}
	return &NodeFlow{
		graph: protocol.CSR{
			Indptr:  clone(graph.Indptr),
			Indices: clone(graph.Indices),
		},
		batchOffsets: clone(batchOffsets),
		nodeMapping:  clone(nodeMapping),
		edgeMapping:  clone(edgeMapping),
	}, nil
}

func validate(graph protocol.CSR, batchOffsets, nodeMapping, edgeMapping []int64) error {
	nodes := len(nodeMapping)
	edges := len(edgeMapping)

	if len(batchOffsets) < 2 {
		return fmt.Errorf("%w: need at least one layer, got %d offsets", ErrInvalidNodeFlow, len(batchOffsets))
	}
	if batchOffsets[0] != 0 {
		return fmt.Errorf("%w: batch offsets start at %d", ErrInvalidNodeFlow, batchOffsets[0])
	}
	for i := 1; i < len(batchOffsets); i++ {
		if batchOffsets[i] < batchOffsets[i-1] {
			return fmt.Errorf("%w: batch offsets decrease at %d", ErrInvalidNodeFlow, i)
		}
	}
	if last := batchOffsets[len(batchOffsets)-1]; last != int64(nodes) {
		return fmt.Errorf("%w: batch offsets end at %d, node count %d", ErrInvalidNodeFlow, last, nodes)
	}

	if len(graph.Indptr) != nodes+1 {
		return fmt.Errorf("%w: indptr has %d entries for %d nodes", ErrInvalidNodeFlow, len(graph.Indptr), nodes)
	}
	if graph.Indptr[0] != 0 {
		return fmt.Errorf("%w: indptr starts at %d", ErrInvalidNodeFlow, graph.Indptr[0])
	}
	for i := 1; i < len(graph.Indptr); i++ {
		if graph.Indptr[i] < graph.Indptr[i-1] {
			return fmt.Errorf("%w: indptr decreases at %d", ErrInvalidNodeFlow, i)
		}
	}
	if last := graph.Indptr[nodes]; last != int64(len(graph.Indices)) {
		return fmt.Errorf("%w: indptr ends at %d, %d indices", ErrInvalidNodeFlow, last, len(graph.Indices))
	}
	if len(graph.Indices) != edges {
		return fmt.Errorf("%w: %d indices, edge mapping has %d", ErrInvalidNodeFlow, len(graph.Indices), edges)
	}
	for k, u := range graph.Indices {
		if u < 0 || u >= int64(nodes) {
			return fmt.Errorf("%w: edge %d source %d not a local node", ErrInvalidNodeFlow, k, u)
		}
	}
	return nil
}

func (nf *NodeFlow) NumLayers() int {
	return len(nf.batchOffsets) - 1
}

func (nf *NodeFlow) NumNodes() int {
	return len(nf.nodeMapping)
}

func (nf *NodeFlow) NumEdges() int {
	return len(nf.edgeMapping)
}

// GetLayer returns the local node ids of layer i.
func (nf *NodeFlow) GetLayer(i int) ([]int64, error) {
	if i < 0 || i >= nf.NumLayers() {
		return nil, fmt.Errorf("%w: layer %d of %d", ErrIndexOutOfRange, i, nf.NumLayers())
	}
	start, end := nf.batchOffsets[i], nf.batchOffsets[i+1]
	out := make([]int64, 0, end-start)
	for v := start; v < end; v++ {
		out = append(out, v)
	}
	return out, nil
}

// Front returns the local ids of the first layer.
func (nf *NodeFlow) Front() []int64 {
	ids, _ := nf.GetLayer(0)
	return ids
}

// Back returns the local ids of the last layer.
func (nf *NodeFlow) Back() []int64 {
	ids, _ := nf.GetLayer(nf.NumLayers() - 1)
	return ids
}

// LayerParentIDs returns the parent graph ids of layer i.
func (nf *NodeFlow) LayerParentIDs(i int) ([]int64, error) {
	if i < 0 || i >= nf.NumLayers() {
		return nil, fmt.Errorf("%w: layer %d of %d", ErrIndexOutOfRange, i, nf.NumLayers())
	}
	return clone(nf.nodeMapping[nf.batchOffsets[i]:nf.batchOffsets[i+1]]), nil
}

func (nf *NodeFlow) ParentNode(v int64) (int64, error) {
	if v < 0 || v >= int64(len(nf.nodeMapping)) {
		return 0, fmt.Errorf("%w: node %d", ErrIndexOutOfRange, v)
	}
	return nf.nodeMapping[v], nil
}

func (nf *NodeFlow) ParentEdge(e int64) (int64, error) {
	if e < 0 || e >= int64(len(nf.edgeMapping)) {
		return 0, fmt.Errorf("%w: edge %d", ErrIndexOutOfRange, e)
	}
	return nf.edgeMapping[e], nil
}

// InNeighbors returns the local source ids of v's in-edges.
func (nf *NodeFlow) InNeighbors(v int64) ([]int64, error) {
	if v < 0 || v >= int64(nf.NumNodes()) {
		return nil, fmt.Errorf("%w: node %d", ErrIndexOutOfRange, v)
	}
	return clone(nf.graph.Indices[nf.graph.Indptr[v]:nf.graph.Indptr[v+1]]), nil
}

// InEdgeIDs returns the local edge ids of v's in-edges.
func (nf *NodeFlow) InEdgeIDs(v int64) ([]int64, error) {
	if v < 0 || v >= int64(nf.NumNodes()) {
		return nil, fmt.Errorf("%w: node %d", ErrIndexOutOfRange, v)
	}
	start, end := nf.graph.Indptr[v], nf.graph.Indptr[v+1]
	out := make([]int64, 0, end-start)
	for e := start; e < end; e++ {
		out = append(out, e)
	}
	return out, nil
}

func (nf *NodeFlow) Graph() protocol.CSR {
	return protocol.CSR{Indptr: clone(nf.graph.Indptr), Indices: clone(nf.graph.Indices)}
}

func (nf *NodeFlow) BatchOffsets() []int64 { return clone(nf.batchOffsets) }
func (nf *NodeFlow) NodeMapping() []int64  { return clone(nf.nodeMapping) }
func (nf *NodeFlow) EdgeMapping() []int64  { return clone(nf.edgeMapping) }

// Subgraph returns the flow as a single-flow transfer unit.
func (nf *NodeFlow) Subgraph() protocol.Subgraph {
	sg := protocol.Subgraph{
		Adjacency:    nf.Graph(),
		NodeMapping:  nf.NodeMapping(),
		EdgeMapping:  nf.EdgeMapping(),
		LayerOffsets: nf.BatchOffsets(),
	}
	sg.FlowOffsets = protocol.SingleFlowOffsets(sg)
	return sg
}

func clone(in []int64) []int64 {
	out := make([]int64, len(in))
	copy(out, in)
	return out
}
