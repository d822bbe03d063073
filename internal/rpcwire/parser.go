package rpcwire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// DecodeCallHeader parses the fixed RPC call header from a full RPC record.
// It never inspects the argument body: that decision belongs to the
// protocol handler the classifier eventually hands the request to.
func DecodeCallHeader(record []byte) (*CallHeader, error) {
	call := &CallHeader{}
	if _, err := xdr.Unmarshal(bytes.NewReader(record), call); err != nil {
		return nil, fmt.Errorf("unmarshal RPC call header: %w", err)
	}
	if call.MsgType != MsgCall {
		return nil, fmt.Errorf("expected CALL (%d), got %d", MsgCall, call.MsgType)
	}
	return call, nil
}

// RemainingBody returns the slice of record following the fixed header and
// the two opaque_auth structures (cred, verf), i.e. the still-XDR-encoded
// procedure arguments.
func RemainingBody(record []byte, call *CallHeader) ([]byte, error) {
	// XID, MsgType, RPCVersion, Program, Version, Procedure = 6 * 4 bytes.
	offset := 24

	offset += 4 // cred flavor
	if offset+4 > len(record) {
		return nil, fmt.Errorf("truncated record: missing cred length")
	}
	credLen := binary.BigEndian.Uint32(record[offset : offset+4])
	offset += 4 + int(credLen)
	offset += int(padding(credLen))

	if offset+4 > len(record) {
		return nil, fmt.Errorf("truncated record: missing verf")
	}
	offset += 4 // verf flavor
	if offset+4 > len(record) {
		return nil, fmt.Errorf("truncated record: missing verf length")
	}
	verfLen := binary.BigEndian.Uint32(record[offset : offset+4])
	offset += 4 + int(verfLen)
	offset += int(padding(verfLen))

	if offset >= len(record) {
		return []byte{}, nil
	}
	return record[offset:], nil
}

func padding(n uint32) uint32 {
	return (4 - (n % 4)) % 4
}

// EncodeSuccessReply builds a fully framed, last-fragment RPC reply carrying
// data as the already-XDR-encoded procedure result.
func EncodeSuccessReply(xid uint32, data []byte) ([]byte, error) {
	reply := ReplyHeader{
		XID:        xid,
		MsgType:    MsgReply,
		ReplyState: MsgAccepted,
		Verf:       OpaqueAuth{Flavor: AuthFlavorNone, Body: []byte{}},
		AcceptStat: Success,
	}
	return frameReply(reply, data)
}

// EncodeAuthRejectReply builds a MSG_DENIED / auth-rejected reply. The core
// sends this itself and never enqueues the request, per the decoder
// contract in §4.3.
func EncodeAuthRejectReply(xid uint32, why uint32) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, uint32(xid)); err != nil {
		return nil, err
	}
	if _, err := xdr.Marshal(&buf, uint32(MsgReply)); err != nil {
		return nil, err
	}
	if _, err := xdr.Marshal(&buf, uint32(MsgDenied)); err != nil {
		return nil, err
	}
	if _, err := xdr.Marshal(&buf, uint32(1)); err != nil { // REJECT_AUTH_ERROR
		return nil, err
	}
	if _, err := xdr.Marshal(&buf, uint32(why)); err != nil {
		return nil, err
	}
	return finishFrame(buf.Bytes()), nil
}

// EncodeDecodeErrReply builds an accepted-but-GARBAGE_ARGS reply, used when
// the checksum verification following authentication fails (§4.3 step 3).
func EncodeDecodeErrReply(xid uint32) ([]byte, error) {
	reply := ReplyHeader{
		XID:        xid,
		MsgType:    MsgReply,
		ReplyState: MsgAccepted,
		Verf:       OpaqueAuth{Flavor: AuthFlavorNone, Body: []byte{}},
		AcceptStat: GarbageArgs,
	}
	return frameReply(reply, nil)
}

func frameReply(reply ReplyHeader, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, &reply); err != nil {
		return nil, fmt.Errorf("marshal reply: %w", err)
	}
	buf.Write(data)
	return finishFrame(buf.Bytes()), nil
}

// finishFrame prepends the record-marking fragment header with the
// last-fragment bit set; the core never streams a reply across multiple
// fragments.
func finishFrame(payload []byte) []byte {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, 0x80000000|uint32(len(payload)))
	return append(header, payload...)
}
