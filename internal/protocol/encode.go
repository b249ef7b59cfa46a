package protocol

import (
	"encoding/binary"

	"github.com/danmuck/flowlink/internal/protocol/schema"
	"github.com/danmuck/flowlink/internal/protocol/tlv"
)

// EncodedSize returns the exact number of bytes Serialize produces for sg.
func EncodedSize(sg Subgraph) int {
	size := HeaderSize
	for _, arr := range arrays(sg) {
		size += tlv.FieldLen(len(arr))
	}
	return size
}

// Serialize encodes sg into one owned, contiguous buffer. Arrays are written
// in schema order, each as a count-prefixed run of fixed-width integers.
func Serialize(sg Subgraph) ([]byte, error) {
	reqs := schema.Fields(schema.MsgSubgraph)
	arrs := arrays(sg)
	if len(reqs) != len(arrs) {
		return nil, ErrInvalidLength
	}

	buf := make([]byte, HeaderSize, EncodedSize(sg))
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint16(buf[4:6], Version)
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(reqs)))
	for i, req := range reqs {
		buf = tlv.AppendField(buf, tlv.Field{ID: req.ID, Type: req.Type, Values: arrs[i]})
	}
	return buf, nil
}

func arrays(sg Subgraph) [][]int64 {
	return [][]int64{
		sg.Adjacency.Indptr,
		sg.Adjacency.Indices,
		sg.NodeMapping,
		sg.EdgeMapping,
		sg.LayerOffsets,
		sg.FlowOffsets,
	}
}
