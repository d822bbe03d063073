package rpcwire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FragmentHeader is the 4-byte record-marking header prefixing every TCP
// RPC fragment: the top bit marks the last fragment of a record, the
// remaining 31 bits are the fragment's byte length.
type FragmentHeader struct {
	Last   bool
	Length uint32
}

// ReadFragmentHeader reads one fragment header from r.
func ReadFragmentHeader(r io.Reader) (FragmentHeader, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return FragmentHeader{}, err
	}
	word := binary.BigEndian.Uint32(buf[:])
	return FragmentHeader{
		Last:   word&0x80000000 != 0,
		Length: word & 0x7fffffff,
	}, nil
}

// ReadRecord reassembles one complete RPC record (possibly spanning several
// fragments) from a TCP byte stream. maxRecord bounds total record size to
// guard against a peer that never sets the last-fragment bit.
func ReadRecord(r io.Reader, maxRecord uint32) ([]byte, error) {
	var record []byte
	for {
		hdr, err := ReadFragmentHeader(r)
		if err != nil {
			return nil, err
		}
		if uint32(len(record))+hdr.Length > maxRecord {
			return nil, fmt.Errorf("rpc record exceeds max size %d bytes", maxRecord)
		}
		chunk := make([]byte, hdr.Length)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, fmt.Errorf("read fragment body: %w", err)
		}
		record = append(record, chunk...)
		if hdr.Last {
			return record, nil
		}
	}
}

// ReadDatagramRecord treats a whole UDP datagram as one unframed record: UDP
// RPC has no fragment header, the datagram boundary is the record boundary.
func ReadDatagramRecord(payload []byte) []byte {
	return payload
}
