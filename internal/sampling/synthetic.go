package sampling

import (
	"fmt"
	"math/rand"

	"github.com/danmuck/flowlink/internal/nodeflow"
	"github.com/danmuck/flowlink/internal/protocol"
)

// Shape describes a synthetic layered neighbourhood: Seeds nodes in the last
// layer, each node in layer i>0 drawing Fanout in-neighbours from layer i-1.
type Shape struct {
	Layers      int
	Seeds       int
	Fanout      int
	ParentNodes int64
	ParentEdges int64
}

// Synthesize builds a NodeFlow of the given shape with random parent ids.
// It stands in for a real sampler in demos and load tests.
func Synthesize(rng *rand.Rand, shape Shape) (*nodeflow.NodeFlow, error) {
	if shape.Layers < 1 || shape.Seeds < 1 || shape.Fanout < 0 {
		return nil, fmt.Errorf("%w: shape %+v", nodeflow.ErrInvalidNodeFlow, shape)
	}
	if shape.ParentNodes <= 0 {
		shape.ParentNodes = 1 << 20
	}
	if shape.ParentEdges <= 0 {
		shape.ParentEdges = shape.ParentNodes * 8
	}

	sizes := make([]int64, shape.Layers)
	sizes[shape.Layers-1] = int64(shape.Seeds)
	for i := shape.Layers - 1; i > 0; i-- {
		sizes[i-1] = sizes[i] * int64(shape.Fanout)
	}
	offsets := make([]int64, shape.Layers+1)
	for i, n := range sizes {
		offsets[i+1] = offsets[i] + n
	}
	nodes := offsets[shape.Layers]

	// Layer 0 has no in-edges, so its indptr entries stay zero.
	indptr := make([]int64, nodes+1)
	indices := make([]int64, 0, nodes-sizes[shape.Layers-1])
	for layer := 1; layer < shape.Layers; layer++ {
		for k := int64(0); k < sizes[layer]; k++ {
			v := offsets[layer] + k
			for j := int64(0); j < int64(shape.Fanout); j++ {
				indices = append(indices, offsets[layer-1]+k*int64(shape.Fanout)+j)
			}
			indptr[v+1] = int64(len(indices))
		}
	}
	nodeMapping := make([]int64, nodes)
	for i := range nodeMapping {
		nodeMapping[i] = rng.Int63n(shape.ParentNodes)
	}
	edgeMapping := make([]int64, len(indices))
	for i := range edgeMapping {
		edgeMapping[i] = rng.Int63n(shape.ParentEdges)
	}

	return nodeflow.New(protocol.CSR{Indptr: indptr, Indices: indices}, offsets, nodeMapping, edgeMapping)
}
