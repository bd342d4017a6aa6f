package frame

import "fmt"

// Startup builds a STARTUP body. CQL_VERSION is always "3.0.0"
// regardless of the negotiated protocol version.
func Startup(compression string) []byte {
	opts := map[string]string{"CQL_VERSION": "3.0.0"}
	if compression != "" {
		opts["COMPRESSION"] = compression
	}
	b := NewBuffer()
	b.WriteStringMap(opts)
	return b.Bytes()
}

// Options builds an OPTIONS body (always empty).
func Options() []byte { return nil }

// Register builds a REGISTER body listing event types to subscribe to.
func Register(eventTypes []string) []byte {
	b := NewBuffer()
	b.WriteStringList(eventTypes)
	return b.Bytes()
}

// AuthResponse builds an AUTH_RESPONSE body carrying opaque SASL token
// bytes (nil means "respond with no data").
func AuthResponse(token []byte) []byte {
	b := NewBuffer()
	b.WriteBytes(token)
	return b.Bytes()
}

// UseKeyspaceCQL returns the statement text `USE "<keyspace>"`,
// escaping embedded double quotes by doubling.
func UseKeyspaceCQL(keyspace string) string {
	escaped := ""
	for _, r := range keyspace {
		if r == '"' {
			escaped += `""`
		} else {
			escaped += string(r)
		}
	}
	return fmt.Sprintf(`USE "%s"`, escaped)
}

// QueryParams are the options accompanying a QUERY/EXECUTE/BATCH
// request that the dispatcher is allowed to mutate between retry
// attempts.
type QueryParams struct {
	Consistency Consistency
	// Values are pre-encoded CQL values; marshaling them is out of
	// scope, the caller supplies already-serialized bytes.
	Values       [][]byte
	SkipMetadata bool
	PageSize     int32
	PagingState  []byte
	SerialCons   Consistency
	Timestamp    int64
	HasTimestamp bool
}

const (
	flagValues        = 0x01
	flagSkipMetadata  = 0x02
	flagPageSize      = 0x04
	flagPagingState   = 0x08
	flagSerialCons    = 0x10
	flagDefaultTstamp = 0x20
)

func (p QueryParams) encode(b *Buffer) {
	b.WriteShort(uint16(p.Consistency))
	var flags byte
	if len(p.Values) > 0 {
		flags |= flagValues
	}
	if p.SkipMetadata {
		flags |= flagSkipMetadata
	}
	if p.PageSize > 0 {
		flags |= flagPageSize
	}
	if len(p.PagingState) > 0 {
		flags |= flagPagingState
	}
	if p.SerialCons != 0 {
		flags |= flagSerialCons
	}
	if p.HasTimestamp {
		flags |= flagDefaultTstamp
	}
	b.WriteByte(flags)
	if len(p.Values) > 0 {
		b.WriteShort(uint16(len(p.Values)))
		for _, v := range p.Values {
			b.WriteBytes(v)
		}
	}
	if p.PageSize > 0 {
		b.WriteInt(p.PageSize)
	}
	if len(p.PagingState) > 0 {
		b.WriteBytes(p.PagingState)
	}
	if p.SerialCons != 0 {
		b.WriteShort(uint16(p.SerialCons))
	}
	if p.HasTimestamp {
		b.WriteInt(int32(p.Timestamp >> 32))
		b.WriteInt(int32(p.Timestamp))
	}
}

// Query builds a QUERY body.
func Query(cql string, params QueryParams) []byte {
	b := NewBuffer()
	b.WriteLongString(cql)
	params.encode(b)
	return b.Bytes()
}

// Prepare builds a PREPARE body.
func Prepare(cql string) []byte {
	b := NewBuffer()
	b.WriteLongString(cql)
	return b.Bytes()
}

// Execute builds an EXECUTE body referencing a prepared statement id.
func Execute(id []byte, params QueryParams) []byte {
	b := NewBuffer()
	b.WriteShortBytes(id)
	params.encode(b)
	return b.Bytes()
}

// BatchType is a BATCH request's kind (Logged/Unlogged/Counter).
type BatchType uint8

const (
	BatchLogged   BatchType = 0
	BatchUnlogged BatchType = 1
	BatchCounter  BatchType = 2
)

// BatchStatement is one statement within a BATCH request: either a
// plain query string or a prepared-statement id, with bound values.
type BatchStatement struct {
	QueryString string
	PreparedID  []byte
	Values      [][]byte
}

// Batch builds a BATCH body.
func Batch(kind BatchType, stmts []BatchStatement, consistency Consistency) []byte {
	b := NewBuffer()
	b.WriteByte(byte(kind))
	b.WriteShort(uint16(len(stmts)))
	for _, s := range stmts {
		if s.PreparedID != nil {
			b.WriteByte(1)
			b.WriteShortBytes(s.PreparedID)
		} else {
			b.WriteByte(0)
			b.WriteLongString(s.QueryString)
		}
		b.WriteShort(uint16(len(s.Values)))
		for _, v := range s.Values {
			b.WriteBytes(v)
		}
	}
	b.WriteShort(uint16(consistency))
	return b.Bytes()
}

// Ready, Authenticate, Supported are parsed response bodies.

type Ready struct{}

type Authenticate struct {
	Class string
}

func DecodeAuthenticate(body []byte) (*Authenticate, error) {
	r := NewReader(body)
	class, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	return &Authenticate{Class: class}, nil
}

type Supported struct {
	Options map[string][]string
}

func DecodeSupported(body []byte) (*Supported, error) {
	r := NewReader(body)
	m, err := r.ReadStringMultiMap()
	if err != nil {
		return nil, err
	}
	return &Supported{Options: m}, nil
}

type AuthChallenge struct {
	Token []byte
}

func DecodeAuthChallenge(body []byte) (*AuthChallenge, error) {
	r := NewReader(body)
	tok, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	return &AuthChallenge{Token: tok}, nil
}

// ResultKind is the first int of a RESULT body.
type ResultKind int32

const (
	ResultVoid         ResultKind = 0x0001
	ResultRows         ResultKind = 0x0002
	ResultSetKeyspace  ResultKind = 0x0003
	ResultPrepared     ResultKind = 0x0004
	ResultSchemaChange ResultKind = 0x0005
)

// Result is a parsed RESULT body. Row contents are out of scope and
// left as the raw remainder of the body for Rows/SchemaChange/
// SetKeyspace kinds; Prepared results decode the id since the
// dispatcher needs it.
type Result struct {
	Kind        ResultKind
	PreparedID  []byte
	ResultMeta  []byte // raw metadata bytes following a prepared id, opaque
	RawRemainder []byte
}

// DecodeResult parses just enough of a RESULT body to drive the
// dispatcher and prepared-query cache; row/column decoding beyond the
// controller's own bootstrap queries is out of scope.
func DecodeResult(body []byte) (*Result, error) {
	r := NewReader(body)
	kindRaw, err := r.ReadInt()
	if err != nil {
		return nil, err
	}
	res := &Result{Kind: ResultKind(kindRaw)}
	if res.Kind == ResultPrepared {
		id, err := r.ReadShortBytes()
		if err != nil {
			return nil, err
		}
		res.PreparedID = append([]byte(nil), id...)
		res.ResultMeta = append([]byte(nil), r.Remaining()...)
	}
	res.RawRemainder = append([]byte(nil), r.Remaining()...)
	return res, nil
}

// Rows metadata flags. The controller's bootstrap queries always set
// SkipMetadata, so Rows decoding below only needs to handle the
// NO_METADATA shape.
const (
	rowsFlagGlobalTablesSpec = 0x0001
	rowsFlagHasMorePages     = 0x0002
	rowsFlagNoMetadata       = 0x0004
)

// Rows is a minimal decoding of a RESULT/Rows body, sufficient for the
// controller's fixed-column system.local/system.peers queries: each
// row is its column values as raw [bytes], undecoded. Full CQL value
// typing and column-spec parsing are out of scope; this only works for
// NO_METADATA results, which the controller always requests via
// QueryParams.SkipMetadata.
type Rows struct {
	ColumnCount int32
	Values      [][][]byte
}

// DecodeRowsNoMetadata parses a RESULT/Rows body produced by a query
// sent with SkipMetadata. It errors if the server did not honor the
// skip-metadata request.
func DecodeRowsNoMetadata(body []byte) (*Rows, error) {
	r := NewReader(body)
	kindRaw, err := r.ReadInt()
	if err != nil {
		return nil, err
	}
	if ResultKind(kindRaw) != ResultRows {
		return nil, fmt.Errorf("frame: expected Rows result, got kind %d", kindRaw)
	}
	flags, err := r.ReadInt()
	if err != nil {
		return nil, err
	}
	colCount, err := r.ReadInt()
	if err != nil {
		return nil, err
	}
	if flags&rowsFlagNoMetadata == 0 {
		return nil, fmt.Errorf("frame: Rows result carries metadata, expected NO_METADATA")
	}
	if flags&rowsFlagHasMorePages != 0 {
		if _, err := r.ReadBytes(); err != nil {
			return nil, err
		}
	}
	rowCount, err := r.ReadInt()
	if err != nil {
		return nil, err
	}
	rows := make([][][]byte, rowCount)
	for i := range rows {
		cols := make([][]byte, colCount)
		for c := range cols {
			v, err := r.ReadBytes()
			if err != nil {
				return nil, err
			}
			cols[c] = v
		}
		rows[i] = cols
	}
	return &Rows{ColumnCount: colCount, Values: rows}, nil
}

// EventType is the set of server push event categories the controller
// subscribes to.
type EventType string

const (
	TopologyChange EventType = "TOPOLOGY_CHANGE"
	StatusChange   EventType = "STATUS_CHANGE"
	SchemaChange   EventType = "SCHEMA_CHANGE"
)

// EventKind is the change tag within a TOPOLOGY_CHANGE/STATUS_CHANGE
// event body.
type EventKind string

const (
	NewNode     EventKind = "NEW_NODE"
	RemovedNode EventKind = "REMOVED_NODE"
	Up          EventKind = "UP"
	Down        EventKind = "DOWN"
)

// ServerEvent is a parsed EVENT body.
type ServerEvent struct {
	Type EventType
	Kind EventKind
	Addr string // host:port as sent by the server
}

func DecodeEvent(body []byte) (*ServerEvent, error) {
	r := NewReader(body)
	typ, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	ev := &ServerEvent{Type: EventType(typ)}
	switch ev.Type {
	case TopologyChange, StatusChange:
		kind, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		ev.Kind = EventKind(kind)
		addr, err := readInetAddr(r)
		if err != nil {
			return nil, err
		}
		ev.Addr = addr
	case SchemaChange:
		// ignored by the controller; body not parsed further.
	}
	return ev, nil
}

// readInetAddr reads a CQL [inet]: one byte length (4 or 16) followed
// by that many address bytes, then a 4-byte port.
func readInetAddr(r *Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if r.pos+int(n) > len(r.b) {
		return "", r.err("inet address")
	}
	addrBytes := r.b[r.pos : r.pos+int(n)]
	r.pos += int(n)
	port, err := r.ReadInt()
	if err != nil {
		return "", err
	}
	ip := ipString(addrBytes)
	return fmt.Sprintf("%s:%d", ip, port), nil
}

func ipString(b []byte) string {
	if len(b) == 4 {
		return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
	}
	// IPv6: minimal colon-hex rendering, sufficient for equality/display.
	out := ""
	for i := 0; i < len(b); i += 2 {
		if i > 0 {
			out += ":"
		}
		out += fmt.Sprintf("%02x%02x", b[i], b[i+1])
	}
	return out
}
