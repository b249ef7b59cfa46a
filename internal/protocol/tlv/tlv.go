package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLen is id(2) + type(1) + element count(8).
const HeaderLen = 11

// ElemSize is the fixed width of one encoded element.
const ElemSize = 8

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
)

// Type IDs from tlv contract.
const (
	TypeI64Array uint8 = 1
)

// Field is one decoded count-prefixed array field.
type Field struct {
	ID     uint16
	Type   uint8
	Values []int64
}

// FieldLen returns the encoded size of a field holding n elements.
func FieldLen(n int) int {
	return HeaderLen + n*ElemSize
}

// AppendField appends one encoded field to dst.
func AppendField(dst []byte, f Field) []byte {
	var hdr [HeaderLen]byte
	binary.BigEndian.PutUint16(hdr[0:2], f.ID)
	hdr[2] = f.Type
	binary.BigEndian.PutUint64(hdr[3:11], uint64(len(f.Values)))
	dst = append(dst, hdr[:]...)
	for _, v := range f.Values {
		dst = binary.BigEndian.AppendUint64(dst, uint64(v))
	}
	return dst
}

// DecodeFields decodes every field in payload. Values are copied out, the
// result never aliases payload.
func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0, 6)
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typeID := payload[i+2]
		n := binary.BigEndian.Uint64(payload[i+3 : i+11])
		i += HeaderLen
		if n > uint64(len(payload)-i)/ElemSize {
			return nil, fmt.Errorf("%w: field=%d count=%d remaining=%d", ErrShortFieldValue, id, n, len(payload)-i)
		}
		vals := make([]int64, n)
		for k := range vals {
			vals[k] = int64(binary.BigEndian.Uint64(payload[i : i+ElemSize]))
			i += ElemSize
		}
		fields = append(fields, Field{ID: id, Type: typeID, Values: vals})
	}
	return fields, nil
}

func GetField(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func MustType(f Field, expected uint8) error {
	if f.Type != expected {
		return fmt.Errorf("tlv: field %d type mismatch: got %d want %d", f.ID, f.Type, expected)
	}
	return nil
}
