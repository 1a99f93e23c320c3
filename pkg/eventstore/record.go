package eventstore

import (
	"encoding/binary"
	"hash/crc32"
)

// recordMagic marks the start of a record or trailer. A scan that finds
// anything else at a record boundary stops there; it does not search
// forward for the next magic.
const recordMagic uint16 = 0xE57A

// flag bits in the record header.
const (
	flagTrailer byte = 1 << iota // this "record" is actually a segment trailer block
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Record is one event as framed on disk (spec §4.A).
type Record struct {
	GlobalPos   uint64
	StreamRev   uint64
	TimestampMs uint64
	StreamID    string
	TenantID    string
	CommandID   string
	Payload     []byte
}

// fixedHeaderSize is the size of the fixed-width portion of a record,
// before the variable-length id/payload fields and the trailing CRC.
const fixedHeaderSize = 2 + 1 + 1 + 4 + 8 + 8 + 8 + 2 + 2 + 2 + 4

// EncodedSize returns the number of bytes Encode will write for r.
func (r *Record) EncodedSize() int {
	return fixedHeaderSize + len(r.StreamID) + len(r.TenantID) + len(r.CommandID) + len(r.Payload) + 4
}

// Encode appends the wire encoding of r to buf, returning the extended
// slice. The length field covers everything between it and the CRC,
// exclusive.
func (r *Record) Encode(buf []byte) []byte {
	start := len(buf)
	size := r.EncodedSize()
	buf = append(buf, make([]byte, size)...)
	b := buf[start:]

	binary.LittleEndian.PutUint16(b[0:2], recordMagic)
	b[2] = 0 // flags
	b[3] = 0 // reserved

	length := uint32(size - 2 - 1 - 1 - 4 - 4) // everything after length field, excluding trailing CRC
	binary.LittleEndian.PutUint32(b[4:8], length)

	binary.LittleEndian.PutUint64(b[8:16], r.GlobalPos)
	binary.LittleEndian.PutUint64(b[16:24], r.StreamRev)
	binary.LittleEndian.PutUint64(b[24:32], r.TimestampMs)

	binary.LittleEndian.PutUint16(b[32:34], uint16(len(r.StreamID)))
	binary.LittleEndian.PutUint16(b[34:36], uint16(len(r.TenantID)))
	binary.LittleEndian.PutUint16(b[36:38], uint16(len(r.CommandID)))
	binary.LittleEndian.PutUint32(b[38:42], uint32(len(r.Payload)))

	off := fixedHeaderSize
	off += copy(b[off:], r.StreamID)
	off += copy(b[off:], r.TenantID)
	off += copy(b[off:], r.CommandID)
	off += copy(b[off:], r.Payload)

	crc := crc32.Checksum(b[:off], crcTable)
	binary.LittleEndian.PutUint32(b[off:off+4], crc)

	return buf
}

// DecodeRecord parses a single record from the front of buf, returning the
// record, the number of bytes consumed, and whether the CRC was valid. If
// buf is too short to contain a full record, ok is false and n is 0: the
// caller should treat this as "need more data", not necessarily corruption.
func DecodeRecord(buf []byte) (rec *Record, n int, ok bool) {
	if len(buf) < fixedHeaderSize+4 {
		return nil, 0, false
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != recordMagic {
		return nil, 0, false
	}
	length := binary.LittleEndian.Uint32(buf[4:8])
	total := 2 + 1 + 1 + 4 + int(length) + 4
	if total < fixedHeaderSize+4 || len(buf) < total {
		return nil, 0, false
	}

	globalPos := binary.LittleEndian.Uint64(buf[8:16])
	streamRev := binary.LittleEndian.Uint64(buf[16:24])
	ts := binary.LittleEndian.Uint64(buf[24:32])
	streamIDLen := int(binary.LittleEndian.Uint16(buf[32:34]))
	tenantIDLen := int(binary.LittleEndian.Uint16(buf[34:36]))
	commandIDLen := int(binary.LittleEndian.Uint16(buf[36:38]))
	payloadLen := int(binary.LittleEndian.Uint32(buf[38:42]))

	off := fixedHeaderSize
	if off+streamIDLen+tenantIDLen+commandIDLen+payloadLen+4 > total {
		return nil, 0, false
	}

	streamID := string(buf[off : off+streamIDLen])
	off += streamIDLen
	tenantID := string(buf[off : off+tenantIDLen])
	off += tenantIDLen
	commandID := string(buf[off : off+commandIDLen])
	off += commandIDLen
	payload := append([]byte{}, buf[off:off+payloadLen]...)
	off += payloadLen

	wantCRC := binary.LittleEndian.Uint32(buf[off : off+4])
	gotCRC := crc32.Checksum(buf[:off], crcTable)
	if wantCRC != gotCRC {
		return nil, total, false
	}

	return &Record{
		GlobalPos:   globalPos,
		StreamRev:   streamRev,
		TimestampMs: ts,
		StreamID:    streamID,
		TenantID:    tenantID,
		CommandID:   commandID,
		Payload:     payload,
	}, total, true
}
