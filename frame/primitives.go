package frame

import (
	"encoding/binary"
	"fmt"
)

// Buffer is a small append-only byte builder for request bodies using
// the CQL primitive encodings needed by the in-scope control-plane
// messages (strings, string maps, ints, consistency levels).
type Buffer struct {
	b []byte
}

func NewBuffer() *Buffer { return &Buffer{} }

func (b *Buffer) Bytes() []byte { return b.b }

func (b *Buffer) WriteByte(v byte) { b.b = append(b.b, v) }

func (b *Buffer) WriteShort(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.b = append(b.b, tmp[:]...)
}

func (b *Buffer) WriteInt(v int32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	b.b = append(b.b, tmp[:]...)
}

func (b *Buffer) WriteLongString(s string) {
	b.WriteInt(int32(len(s)))
	b.b = append(b.b, s...)
}

func (b *Buffer) WriteString(s string) {
	b.WriteShort(uint16(len(s)))
	b.b = append(b.b, s...)
}

func (b *Buffer) WriteStringMap(m map[string]string) {
	b.WriteShort(uint16(len(m)))
	for k, v := range m {
		b.WriteString(k)
		b.WriteString(v)
	}
}

func (b *Buffer) WriteStringList(ss []string) {
	b.WriteShort(uint16(len(ss)))
	for _, s := range ss {
		b.WriteString(s)
	}
}

func (b *Buffer) WriteShortBytes(v []byte) {
	b.WriteShort(uint16(len(v)))
	b.b = append(b.b, v...)
}

// WriteBytes writes a [int length][bytes]; a nil slice is encoded as
// length -1, matching CQL's representation of a null value.
func (b *Buffer) WriteBytes(v []byte) {
	if v == nil {
		b.WriteInt(-1)
		return
	}
	b.WriteInt(int32(len(v)))
	b.b = append(b.b, v...)
}

// Reader walks a response body using the same primitive encodings.
type Reader struct {
	b   []byte
	pos int
}

func NewReader(b []byte) *Reader { return &Reader{b: b} }

func (r *Reader) Remaining() []byte { return r.b[r.pos:] }

func (r *Reader) err(what string) error {
	return fmt.Errorf("frame: short body reading %s at offset %d/%d", what, r.pos, len(r.b))
}

func (r *Reader) ReadByte() (byte, error) {
	if r.pos+1 > len(r.b) {
		return 0, r.err("byte")
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) ReadShort() (uint16, error) {
	if r.pos+2 > len(r.b) {
		return 0, r.err("short")
	}
	v := binary.BigEndian.Uint16(r.b[r.pos : r.pos+2])
	r.pos += 2
	return v, nil
}

func (r *Reader) ReadInt() (int32, error) {
	if r.pos+4 > len(r.b) {
		return 0, r.err("int")
	}
	v := binary.BigEndian.Uint32(r.b[r.pos : r.pos+4])
	r.pos += 4
	return int32(v), nil
}

func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadShort()
	if err != nil {
		return "", err
	}
	if r.pos+int(n) > len(r.b) {
		return "", r.err("string")
	}
	s := string(r.b[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *Reader) ReadLongString() (string, error) {
	n, err := r.ReadInt()
	if err != nil {
		return "", err
	}
	if n < 0 || r.pos+int(n) > len(r.b) {
		return "", r.err("long string")
	}
	s := string(r.b[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *Reader) ReadShortBytes() ([]byte, error) {
	n, err := r.ReadShort()
	if err != nil {
		return nil, err
	}
	if r.pos+int(n) > len(r.b) {
		return nil, r.err("short bytes")
	}
	v := r.b[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return v, nil
}

func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadInt()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	if r.pos+int(n) > len(r.b) {
		return nil, r.err("bytes")
	}
	v := r.b[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return v, nil
}

func (r *Reader) ReadStringList() ([]string, error) {
	n, err := r.ReadShort()
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		out[i], err = r.ReadString()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Reader) ReadStringMultiMap() (map[string][]string, error) {
	n, err := r.ReadShort()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, n)
	for i := uint16(0); i < n; i++ {
		k, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := r.ReadStringList()
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}
