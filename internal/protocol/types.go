package protocol

const (
	// Magic marks a subgraph payload ("NFSG").
	Magic uint32 = 0x4E465347
	// Version is the only payload layout this package reads and writes.
	Version uint16 = 1
	// HeaderSize is the minimum size of a valid payload.
	HeaderSize = 8
)

// CSR is an in-edge compressed sparse row adjacency over local ids. For local
// node v, Indices[Indptr[v]:Indptr[v+1]] are its in-neighbours and the
// position inside Indices is the local edge id.
type CSR struct {
	Indptr  []int64
	Indices []int64
}

// NumNodes returns the node count implied by Indptr.
func (c CSR) NumNodes() int {
	if len(c.Indptr) == 0 {
		return 0
	}
	return len(c.Indptr) - 1
}

// NumEdges returns the edge count.
func (c CSR) NumEdges() int {
	return len(c.Indices)
}

// Subgraph is the raw transfer unit: the arrays of one or more packed
// NodeFlows, demarcated by FlowOffsets.
type Subgraph struct {
	Adjacency    CSR
	NodeMapping  []int64
	EdgeMapping  []int64
	LayerOffsets []int64
	FlowOffsets  []int64
}

// FlowBoundaryWidth is the number of entries per flow boundary in
// FlowOffsets: (node, edge, layer-offset entry).
const FlowBoundaryWidth = 3

// SingleFlowOffsets returns the flow offsets for a subgraph that carries
// exactly one NodeFlow.
func SingleFlowOffsets(sg Subgraph) []int64 {
	return []int64{
		0, 0, 0,
		int64(len(sg.NodeMapping)), int64(len(sg.EdgeMapping)), int64(len(sg.LayerOffsets)),
	}
}

// NumFlows reports how many NodeFlows FlowOffsets demarcates. An empty
// FlowOffsets means a single flow.
func (sg Subgraph) NumFlows() int {
	if len(sg.FlowOffsets) == 0 {
		return 1
	}
	n := len(sg.FlowOffsets)/FlowBoundaryWidth - 1
	if n < 0 {
		return 0
	}
	return n
}
