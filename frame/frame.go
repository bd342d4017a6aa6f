// Package frame implements the in-scope slice of the CQL native
// protocol: the 9-byte frame header and the handful of control-plane
// request/response bodies the connection multiplexer and cluster
// controller need to send and parse. Full CQL value marshaling is out
// of scope; query parameters and result rows are carried as opaque,
// already-encoded bytes.
package frame

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Version is the CQL native protocol version.
type Version uint8

const (
	ProtoV3 Version = 0x03
	ProtoV4 Version = 0x04
)

// direction bit of the version byte.
const responseBit = 0x80

// Opcode identifies the body type that follows the header.
type Opcode uint8

const (
	OpError        Opcode = 0x00
	OpStartup      Opcode = 0x01
	OpReady        Opcode = 0x02
	OpAuthenticate Opcode = 0x03
	OpOptions      Opcode = 0x05
	OpSupported    Opcode = 0x06
	OpQuery        Opcode = 0x07
	OpResult       Opcode = 0x08
	OpPrepare      Opcode = 0x09
	OpExecute      Opcode = 0x0A
	OpRegister     Opcode = 0x0B
	OpEvent        Opcode = 0x0C
	OpBatch        Opcode = 0x0D
	OpAuthChallenge Opcode = 0x0E
	OpAuthResponse  Opcode = 0x0F
	OpAuthSuccess   Opcode = 0x10
)

// EventStream is the reserved stream id for server-pushed event frames.
const EventStream = -1

// HeaderLen is the fixed size, in bytes, of the frame header.
const HeaderLen = 9

// Flags on the header.
const (
	FlagCompress Flags = 0x01
	FlagTracing  Flags = 0x02
)

type Flags uint8

// Header is the fixed 9-byte frame preamble.
type Header struct {
	Version  Version
	Flags    Flags
	Stream   int16
	Opcode   Opcode
	BodyLen  uint32
}

// IsResponse reports whether the version byte's direction bit is set.
func (h Header) IsResponse() bool {
	return h.Version&responseBit != 0
}

// Encode encodes the header into buf, which must be at least HeaderLen
// bytes.
func (h Header) Encode(buf []byte) {
	buf[0] = byte(h.Version)
	buf[1] = byte(h.Flags)
	binary.BigEndian.PutUint16(buf[2:4], uint16(h.Stream))
	buf[4] = byte(h.Opcode)
	binary.BigEndian.PutUint32(buf[5:9], h.BodyLen)
}

// DecodeHeader parses a HeaderLen-byte slice into a Header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, fmt.Errorf("frame: short header: %d bytes", len(buf))
	}
	return Header{
		Version: Version(buf[0]),
		Flags:   Flags(buf[1]),
		Stream:  int16(binary.BigEndian.Uint16(buf[2:4])),
		Opcode:  Opcode(buf[4]),
		BodyLen: binary.BigEndian.Uint32(buf[5:9]),
	}, nil
}

// ReadHeader reads exactly HeaderLen bytes from r and decodes them.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	return DecodeHeader(buf[:])
}

// Frame is a fully read frame: header plus raw body bytes.
type Frame struct {
	Header Header
	Body   []byte
}
