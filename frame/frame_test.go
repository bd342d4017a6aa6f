package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Version: ProtoV4, Flags: FlagCompress, Stream: 7, Opcode: OpQuery, BodyLen: 42}
	var buf [HeaderLen]byte
	h.Encode(buf[:])

	got, err := DecodeHeader(buf[:])
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestHeaderNegativeStream(t *testing.T) {
	h := Header{Version: ProtoV4 | 0x80, Stream: EventStream, Opcode: OpEvent}
	var buf [HeaderLen]byte
	h.Encode(buf[:])

	got, err := DecodeHeader(buf[:])
	require.NoError(t, err)
	require.Equal(t, int16(EventStream), got.Stream)
	require.True(t, got.IsResponse())
}

func TestStartupContainsCQLVersion(t *testing.T) {
	body := Startup("")
	r := NewReader(body)
	m, err := r.ReadShort()
	require.NoError(t, err)
	require.Equal(t, uint16(1), m)
	k, err := r.ReadString()
	require.NoError(t, err)
	require.Equal(t, "CQL_VERSION", k)
	v, err := r.ReadString()
	require.NoError(t, err)
	require.Equal(t, "3.0.0", v)
}

func TestStartupWithCompression(t *testing.T) {
	body := Startup("lz4")
	r := NewReader(body)
	n, err := r.ReadShort()
	require.NoError(t, err)
	require.Equal(t, uint16(2), n)
}

func TestDecodeErrorUnprepared(t *testing.T) {
	b := NewBuffer()
	b.WriteInt(int32(ErrUnprepared))
	b.WriteString("unknown prepared query id")
	b.WriteShortBytes([]byte{1, 2, 3, 4})

	se, err := DecodeError(b.Bytes())
	require.NoError(t, err)
	require.Equal(t, ErrUnprepared, se.Code)
	require.Equal(t, []byte{1, 2, 3, 4}, se.UnpreparedID)
}

func TestErrorCodeRetryable(t *testing.T) {
	require.True(t, ErrReadTimeout.Retryable())
	require.True(t, ErrOverloaded.Retryable())
	require.False(t, ErrSyntaxError.Retryable())
	require.False(t, ErrUnprepared.Retryable())
}

func TestDecodeEventStatusChange(t *testing.T) {
	b := NewBuffer()
	b.WriteString(string(StatusChange))
	b.WriteString(string(Down))
	b.WriteByte(4)
	b.b = append(b.b, 10, 0, 0, 7)
	b.WriteInt(9042)

	ev, err := DecodeEvent(b.Bytes())
	require.NoError(t, err)
	require.Equal(t, StatusChange, ev.Type)
	require.Equal(t, Down, ev.Kind)
	require.Equal(t, "10.0.0.7:9042", ev.Addr)
}

func TestUseKeyspaceCQLEscapesQuotes(t *testing.T) {
	require.Equal(t, `USE "ks"`, UseKeyspaceCQL("ks"))
	require.Equal(t, `USE "we""ird"`, UseKeyspaceCQL(`we"ird`))
}

func TestDecodeResultPrepared(t *testing.T) {
	b := NewBuffer()
	b.WriteInt(int32(ResultPrepared))
	b.WriteShortBytes([]byte{0xAB, 0xCD})
	res, err := DecodeResult(b.Bytes())
	require.NoError(t, err)
	require.Equal(t, ResultPrepared, res.Kind)
	require.Equal(t, []byte{0xAB, 0xCD}, res.PreparedID)
}

func TestDecodeRowsNoMetadataTwoRows(t *testing.T) {
	b := NewBuffer()
	b.WriteInt(int32(ResultRows))
	b.WriteInt(rowsFlagNoMetadata)
	b.WriteInt(2) // column count
	b.WriteInt(2) // row count
	b.WriteBytes([]byte("dc1"))
	b.WriteBytes([]byte("rack1"))
	b.WriteBytes([]byte("dc2"))
	b.WriteBytes(nil)

	rows, err := DecodeRowsNoMetadata(b.Bytes())
	require.NoError(t, err)
	require.Equal(t, int32(2), rows.ColumnCount)
	require.Len(t, rows.Values, 2)
	require.Equal(t, []byte("dc1"), rows.Values[0][0])
	require.Equal(t, []byte("rack1"), rows.Values[0][1])
	require.Equal(t, []byte("dc2"), rows.Values[1][0])
	require.Nil(t, rows.Values[1][1])
}

func TestDecodeRowsNoMetadataRejectsFullMetadata(t *testing.T) {
	b := NewBuffer()
	b.WriteInt(int32(ResultRows))
	b.WriteInt(0) // no NO_METADATA flag set
	b.WriteInt(0)

	_, err := DecodeRowsNoMetadata(b.Bytes())
	require.Error(t, err)
}
