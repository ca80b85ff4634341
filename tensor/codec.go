package tensor

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"
)

// Wire layout: a msgpack map of name -> {"shape": [int], "data": [float64]},
// written in insertion order so decoding preserves the order.

const (
	shapeKey = "shape"
	dataKey  = "data"

	// upper bound on slice preallocation while decoding untrusted input
	maxPrealloc = 1 << 16
)

// EncodeMsg implements msgp.Encodable
func (t *Tensor) EncodeMsg(en *msgp.Writer) error {
	if err := en.WriteMapHeader(2); err != nil {
		return err
	}
	if err := en.WriteString(shapeKey); err != nil {
		return err
	}
	if err := en.WriteArrayHeader(uint32(len(t.Shape))); err != nil {
		return err
	}
	for _, d := range t.Shape {
		if err := en.WriteInt(d); err != nil {
			return err
		}
	}
	if err := en.WriteString(dataKey); err != nil {
		return err
	}
	if err := en.WriteArrayHeader(uint32(len(t.Data))); err != nil {
		return err
	}
	for _, x := range t.Data {
		if err := en.WriteFloat64(x); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMsg implements msgp.Decodable
func (t *Tensor) DecodeMsg(dc *msgp.Reader) error {
	fields, err := dc.ReadMapHeader()
	if err != nil {
		return err
	}
	t.Shape, t.Data = []int{}, nil
	for ; fields > 0; fields-- {
		key, err := dc.ReadString()
		if err != nil {
			return err
		}
		switch key {
		case shapeKey:
			sz, err := dc.ReadArrayHeader()
			if err != nil {
				return err
			}
			t.Shape = make([]int, 0, capped(sz))
			for ; sz > 0; sz-- {
				d, err := dc.ReadInt()
				if err != nil {
					return err
				}
				t.Shape = append(t.Shape, d)
			}
		case dataKey:
			sz, err := dc.ReadArrayHeader()
			if err != nil {
				return err
			}
			t.Data = make([]float64, 0, capped(sz))
			for ; sz > 0; sz-- {
				x, err := dc.ReadFloat64()
				if err != nil {
					return err
				}
				t.Data = append(t.Data, x)
			}
		default:
			if err := dc.Skip(); err != nil {
				return err
			}
		}
	}
	if t.Data == nil {
		t.Data = []float64{}
	}
	return t.Validate()
}

// Msgsize returns an upper bound estimate of the number of bytes occupied by the serialized message
func (t *Tensor) Msgsize() int {
	return msgp.MapHeaderSize +
		msgp.StringPrefixSize + len(shapeKey) + msgp.ArrayHeaderSize + len(t.Shape)*msgp.IntSize +
		msgp.StringPrefixSize + len(dataKey) + msgp.ArrayHeaderSize + len(t.Data)*msgp.Float64Size
}

// EncodeMsg implements msgp.Encodable
func (m *Map) EncodeMsg(en *msgp.Writer) error {
	if err := en.WriteMapHeader(uint32(len(m.names))); err != nil {
		return err
	}
	for _, n := range m.names {
		if err := en.WriteString(n); err != nil {
			return err
		}
		if err := m.tensors[n].EncodeMsg(en); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMsg implements msgp.Decodable
func (m *Map) DecodeMsg(dc *msgp.Reader) error {
	sz, err := dc.ReadMapHeader()
	if err != nil {
		return err
	}
	m.names = make([]string, 0, capped(sz))
	m.tensors = make(map[string]*Tensor, capped(sz))
	for ; sz > 0; sz-- {
		name, err := dc.ReadString()
		if err != nil {
			return err
		}
		if _, dup := m.tensors[name]; dup {
			return errors.Errorf("duplicate tensor name %q", name)
		}
		t := &Tensor{}
		if err := t.DecodeMsg(dc); err != nil {
			return errors.Wrapf(err, "tensor %q", name)
		}
		m.Set(name, t)
	}
	return nil
}

// Msgsize returns an upper bound estimate of the number of bytes occupied by the serialized message
func (m *Map) Msgsize() int {
	s := msgp.MapHeaderSize
	for _, n := range m.names {
		s += msgp.StringPrefixSize + len(n) + m.tensors[n].Msgsize()
	}
	return s
}

// MarshalBinary implements encoding.BinaryMarshaler
func (m *Map) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(m.Msgsize())
	if err := msgp.Encode(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (m *Map) UnmarshalBinary(b []byte) error {
	return msgp.Decode(bytes.NewReader(b), m)
}

// GobEncode lets records embedding a *Map go through encoding/gob.
func (m *Map) GobEncode() ([]byte, error) {
	return m.MarshalBinary()
}

func (m *Map) GobDecode(b []byte) error {
	return m.UnmarshalBinary(b)
}

func capped(sz uint32) int {
	if sz > maxPrealloc {
		return maxPrealloc
	}
	return int(sz)
}
