package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/flowlink/internal/protocol/schema"
	"github.com/danmuck/flowlink/internal/protocol/tlv"
)

// Deserialize decodes a buffer produced by Serialize. Every failure wraps
// ErrCorruptFrame and no partial result is returned. The result never
// aliases buf.
func Deserialize(buf []byte) (Subgraph, error) {
	if len(buf) < HeaderSize {
		return Subgraph{}, fmt.Errorf("%w: %w: %d bytes", ErrCorruptFrame, ErrTruncated, len(buf))
	}
	if magic := binary.BigEndian.Uint32(buf[0:4]); magic != Magic {
		return Subgraph{}, fmt.Errorf("%w: %w: %#x", ErrCorruptFrame, ErrInvalidMagic, magic)
	}
	if v := binary.BigEndian.Uint16(buf[4:6]); v != Version {
		return Subgraph{}, fmt.Errorf("%w: %w: %d", ErrCorruptFrame, ErrUnsupportedVersion, v)
	}
	count := int(binary.BigEndian.Uint16(buf[6:8]))

	fields, err := tlv.DecodeFields(buf[HeaderSize:])
	if err != nil {
		return Subgraph{}, fmt.Errorf("%w: %w", ErrCorruptFrame, err)
	}
	if len(fields) != count {
		return Subgraph{}, fmt.Errorf("%w: %w: header declares %d fields, found %d", ErrCorruptFrame, ErrInvalidLength, count, len(fields))
	}
	if err := schema.Validate(schema.MsgSubgraph, fields); err != nil {
		return Subgraph{}, fmt.Errorf("%w: %w", ErrCorruptFrame, err)
	}

	return Subgraph{
		Adjacency: CSR{
			Indptr:  fields[0].Values,
			Indices: fields[1].Values,
		},
		NodeMapping:  fields[2].Values,
		EdgeMapping:  fields[3].Values,
		LayerOffsets: fields[4].Values,
		FlowOffsets:  fields[5].Values,
	}, nil
}
