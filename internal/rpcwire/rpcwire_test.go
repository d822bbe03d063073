package rpcwire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Framing Tests
// ============================================================================

func TestReadRecord_SingleFragment(t *testing.T) {
	payload := []byte("hello rpc")
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, 0x80000000|uint32(len(payload)))

	r := bytes.NewReader(append(header, payload...))
	record, err := ReadRecord(r, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, payload, record)
}

func TestReadRecord_MultiFragment(t *testing.T) {
	frag := func(last bool, data []byte) []byte {
		header := make([]byte, 4)
		word := uint32(len(data))
		if last {
			word |= 0x80000000
		}
		binary.BigEndian.PutUint32(header, word)
		return append(header, data...)
	}

	var stream bytes.Buffer
	stream.Write(frag(false, []byte("part1-")))
	stream.Write(frag(true, []byte("part2")))

	record, err := ReadRecord(&stream, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, "part1-part2", string(record))
}

func TestReadRecord_ExceedsMax(t *testing.T) {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, 0x80000000|100)
	r := bytes.NewReader(append(header, make([]byte, 100)...))

	_, err := ReadRecord(r, 10)
	assert.Error(t, err)
}

func TestReadDatagramRecord_IsUnframed(t *testing.T) {
	payload := []byte("a datagram")
	assert.Equal(t, payload, ReadDatagramRecord(payload))
}

// ============================================================================
// Header Decode Tests
// ============================================================================

func buildRawCall(xid, program, version, procedure, credFlavor uint32, credBody []byte) []byte {
	var buf bytes.Buffer
	put := func(v uint32) { _ = binary.Write(&buf, binary.BigEndian, v) }
	put(xid)
	put(MsgCall)
	put(2)
	put(program)
	put(version)
	put(procedure)
	put(credFlavor)
	put(uint32(len(credBody)))
	buf.Write(credBody)
	for i := 0; i < (4-len(credBody)%4)%4; i++ {
		buf.WriteByte(0)
	}
	put(AuthFlavorNone)
	put(0)
	return buf.Bytes()
}

func TestDecodeCallHeader_RoundTrip(t *testing.T) {
	record := buildRawCall(1234, ProgramNFS, 3, 1, AuthFlavorSys, []byte("cred"))
	call, err := DecodeCallHeader(record)
	require.NoError(t, err)
	assert.EqualValues(t, 1234, call.XID)
	assert.EqualValues(t, ProgramNFS, call.Program)
	assert.EqualValues(t, 3, call.Version)
	assert.EqualValues(t, AuthFlavorSys, call.Cred.Flavor)
	assert.Equal(t, []byte("cred"), call.Cred.Body)
}

func TestDecodeCallHeader_RejectsReply(t *testing.T) {
	reply, err := EncodeSuccessReply(1, nil)
	require.NoError(t, err)
	// strip the fragment header: DecodeCallHeader expects a bare record.
	_, err = DecodeCallHeader(reply[4:])
	assert.Error(t, err)
}

func TestRemainingBody_ExtractsArgs(t *testing.T) {
	args := []byte{0xde, 0xad, 0xbe, 0xef}
	record := append(buildRawCall(1, ProgramNFS, 3, 1, AuthFlavorNone, nil), args...)
	call, err := DecodeCallHeader(record)
	require.NoError(t, err)

	body, err := RemainingBody(record, call)
	require.NoError(t, err)
	assert.Equal(t, args, body)
}

func TestRemainingBody_NoArgsReturnsEmpty(t *testing.T) {
	record := buildRawCall(1, ProgramNFS, 3, 1, AuthFlavorNone, nil)
	call, err := DecodeCallHeader(record)
	require.NoError(t, err)

	body, err := RemainingBody(record, call)
	require.NoError(t, err)
	assert.Empty(t, body)
}

// ============================================================================
// Reply Encode Tests
// ============================================================================

func TestEncodeSuccessReply_FrameAndXID(t *testing.T) {
	reply, err := EncodeSuccessReply(42, []byte{1, 2, 3})
	require.NoError(t, err)

	fragWord := binary.BigEndian.Uint32(reply[0:4])
	assert.NotZero(t, fragWord&0x80000000, "last-fragment bit must be set")

	xid := binary.BigEndian.Uint32(reply[4:8])
	assert.EqualValues(t, 42, xid)

	assert.Equal(t, []byte{1, 2, 3}, reply[len(reply)-3:])
}

func TestEncodeAuthRejectReply(t *testing.T) {
	reply, err := EncodeAuthRejectReply(7, AuthBadCred)
	require.NoError(t, err)

	msgType := binary.BigEndian.Uint32(reply[8:12])
	deniedState := binary.BigEndian.Uint32(reply[12:16])
	why := binary.BigEndian.Uint32(reply[20:24])
	assert.EqualValues(t, MsgReply, msgType)
	assert.EqualValues(t, MsgDenied, deniedState)
	assert.EqualValues(t, AuthBadCred, why)
}

func TestEncodeDecodeErrReply(t *testing.T) {
	reply, err := EncodeDecodeErrReply(9)
	require.NoError(t, err)
	xid := binary.BigEndian.Uint32(reply[4:8])
	assert.EqualValues(t, 9, xid)
}
