package nodeflow

import (
	"fmt"

	"github.com/danmuck/flowlink/internal/protocol"
)

// FromSubgraph splits a decoded transfer into one NodeFlow per packed flow.
// Empty flow offsets mean the transfer carries a single flow.
func FromSubgraph(sg protocol.Subgraph) ([]*NodeFlow, error) {
	offsets := sg.FlowOffsets
	if len(offsets) == 0 {
		offsets = protocol.SingleFlowOffsets(sg)
	}
	if len(offsets)%protocol.FlowBoundaryWidth != 0 || len(offsets) < 2*protocol.FlowBoundaryWidth {
		return nil, fmt.Errorf("%w: flow offsets length %d", ErrInvalidNodeFlow, len(offsets))
	}
	flows := len(offsets)/protocol.FlowBoundaryWidth - 1

	first := boundaryAt(offsets, 0)
	if first != (boundary{}) {
		return nil, fmt.Errorf("%w: first flow boundary %+v", ErrInvalidNodeFlow, first)
	}
	last := boundaryAt(offsets, flows)
	if last.node != int64(len(sg.NodeMapping)) ||
		last.edge != int64(len(sg.EdgeMapping)) ||
		last.layer != int64(len(sg.LayerOffsets)) {
		return nil, fmt.Errorf("%w: last flow boundary %+v does not cover arrays", ErrInvalidNodeFlow, last)
	}
	if int64(len(sg.Adjacency.Indptr)) != last.node+int64(flows) {
		return nil, fmt.Errorf("%w: indptr has %d entries for %d nodes in %d flows",
			ErrInvalidNodeFlow, len(sg.Adjacency.Indptr), last.node, flows)
	}
	if len(sg.Adjacency.Indices) != len(sg.EdgeMapping) {
		return nil, fmt.Errorf("%w: %d indices, edge mapping has %d",
			ErrInvalidNodeFlow, len(sg.Adjacency.Indices), len(sg.EdgeMapping))
	}

	for f := 0; f < flows; f++ {
		lo, hi := boundaryAt(offsets, f), boundaryAt(offsets, f+1)
		if hi.node < lo.node || hi.edge < lo.edge || hi.layer < lo.layer {
			return nil, fmt.Errorf("%w: flow %d boundaries decrease", ErrInvalidNodeFlow, f)
		}
	}

	out := make([]*NodeFlow, 0, flows)
	for f := 0; f < flows; f++ {
		lo, hi := boundaryAt(offsets, f), boundaryAt(offsets, f+1)
		graph := protocol.CSR{
			Indptr:  sg.Adjacency.Indptr[lo.node+int64(f) : hi.node+int64(f)+1],
			Indices: sg.Adjacency.Indices[lo.edge:hi.edge],
		}
		nf, err := New(
			graph,
			sg.LayerOffsets[lo.layer:hi.layer],
			sg.NodeMapping[lo.node:hi.node],
			sg.EdgeMapping[lo.edge:hi.edge],
		)
		if err != nil {
			return nil, fmt.Errorf("flow %d: %w", f, err)
		}
		out = append(out, nf)
	}
	return out, nil
}

// Pack concatenates flows into one transfer unit with flow offsets.
func Pack(flows ...*NodeFlow) (protocol.Subgraph, error) {
	if len(flows) == 0 {
		return protocol.Subgraph{}, fmt.Errorf("%w: nothing to pack", ErrInvalidNodeFlow)
	}
	var sg protocol.Subgraph
	sg.FlowOffsets = make([]int64, 0, (len(flows)+1)*protocol.FlowBoundaryWidth)
	sg.FlowOffsets = append(sg.FlowOffsets, 0, 0, 0)
	for _, nf := range flows {
		if nf == nil {
			return protocol.Subgraph{}, fmt.Errorf("%w: nil flow", ErrInvalidNodeFlow)
		}
		sg.Adjacency.Indptr = append(sg.Adjacency.Indptr, nf.graph.Indptr...)
		sg.Adjacency.Indices = append(sg.Adjacency.Indices, nf.graph.Indices...)
		sg.NodeMapping = append(sg.NodeMapping, nf.nodeMapping...)
		sg.EdgeMapping = append(sg.EdgeMapping, nf.edgeMapping...)
		sg.LayerOffsets = append(sg.LayerOffsets, nf.batchOffsets...)
		sg.FlowOffsets = append(sg.FlowOffsets,
			int64(len(sg.NodeMapping)),
			int64(len(sg.EdgeMapping)),
			int64(len(sg.LayerOffsets)),
		)
	}
	return sg, nil
}

type boundary struct {
	node, edge, layer int64
}

func boundaryAt(offsets []int64, i int) boundary {
	base := i * protocol.FlowBoundaryWidth
	return boundary{node: offsets[base], edge: offsets[base+1], layer: offsets[base+2]}
}
