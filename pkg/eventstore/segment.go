package eventstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
)

// DefaultSegmentSizeCap is the default size, in bytes, after which a
// segment is rolled (spec §4.A).
const DefaultSegmentSizeCap = 128 * 1024 * 1024

// DefaultPayloadSizeCap is the default maximum payload size (spec §3).
const DefaultPayloadSizeCap = 1 * 1024 * 1024

// TrailerEntry maps a global position to the file offset of its record,
// as recorded in a segment trailer.
type TrailerEntry struct {
	GlobalPos uint64
	Offset    int64
}

// encodeTrailer frames entries as a trailer block: magic/flags/reserved,
// length, entry count, entries, then a CRC covering everything before it.
func encodeTrailer(entries []TrailerEntry) []byte {
	body := 4 + len(entries)*16
	buf := make([]byte, 2+1+1+4+body+4)

	binary.LittleEndian.PutUint16(buf[0:2], recordMagic)
	buf[2] = flagTrailer
	buf[3] = 0
	binary.LittleEndian.PutUint32(buf[4:8], uint32(body))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(entries)))

	off := 12
	for _, e := range entries {
		binary.LittleEndian.PutUint64(buf[off:off+8], e.GlobalPos)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(e.Offset))
		off += 16
	}

	crc := crc32.Checksum(buf[:off], crcTable)
	binary.LittleEndian.PutUint32(buf[off:off+4], crc)
	return buf
}

// decodeTrailer parses a trailer block from the front of buf.
func decodeTrailer(buf []byte) (entries []TrailerEntry, n int, ok bool) {
	if len(buf) < 12 {
		return nil, 0, false
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != recordMagic || buf[2]&flagTrailer == 0 {
		return nil, 0, false
	}
	body := int(binary.LittleEndian.Uint32(buf[4:8]))
	total := 2 + 1 + 1 + 4 + body + 4
	if total < 12 || len(buf) < total {
		return nil, 0, false
	}
	count := int(binary.LittleEndian.Uint32(buf[8:12]))
	if 4+count*16 != body {
		return nil, total, false
	}

	off := 12
	entries = make([]TrailerEntry, count)
	for i := 0; i < count; i++ {
		entries[i] = TrailerEntry{
			GlobalPos: binary.LittleEndian.Uint64(buf[off : off+8]),
			Offset:    int64(binary.LittleEndian.Uint64(buf[off+8 : off+16])),
		}
		off += 16
	}

	wantCRC := binary.LittleEndian.Uint32(buf[off : off+4])
	gotCRC := crc32.Checksum(buf[:off], crcTable)
	if wantCRC != gotCRC {
		return nil, total, false
	}
	return entries, total, true
}

// segmentName returns the filename for a segment starting at firstGlobalPos.
func segmentName(firstGlobalPos uint64) string {
	return fmt.Sprintf("events-%08d.seg", firstGlobalPos)
}

// segmentPath joins dir and the segment filename.
func segmentPath(dir string, firstGlobalPos uint64) string {
	return filepath.Join(dir, segmentName(firstGlobalPos))
}

// parseSegmentName extracts the first-global-pos from a segment filename.
func parseSegmentName(name string) (uint64, bool) {
	var pos uint64
	if _, err := fmt.Sscanf(name, "events-%08d.seg", &pos); err != nil {
		return 0, false
	}
	return pos, true
}

// segment is an open, append-only segment file owned exclusively by the
// writer (spec §4.A, §5).
type segment struct {
	path           string
	file           *os.File
	firstGlobalPos uint64
	size           int64
}

func openSegmentForAppend(dir string, firstGlobalPos uint64) (*segment, error) {
	path := segmentPath(dir, firstGlobalPos)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, Error.Wrap(err)
	}
	return &segment{path: path, file: f, firstGlobalPos: firstGlobalPos, size: info.Size()}, nil
}

// appendBatch writes records followed by a trailer covering them, fsyncs
// once, and returns each record's file offset in order. This is the
// writer's durable commit unit: either every byte below lands, or (on a
// crash mid-write) recovery discards the whole thing (spec §4.B step 6-7).
func (s *segment) appendBatch(records []*Record) (offsets []int64, err error) {
	var buf []byte
	offsets = make([]int64, len(records))
	cur := s.size
	for i, r := range records {
		offsets[i] = cur
		before := len(buf)
		buf = r.Encode(buf)
		cur += int64(len(buf) - before)
	}

	entries := make([]TrailerEntry, len(records))
	for i, r := range records {
		entries[i] = TrailerEntry{GlobalPos: r.GlobalPos, Offset: offsets[i]}
	}
	buf = append(buf, encodeTrailer(entries)...)

	n, err := s.file.WriteAt(buf, s.size)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := s.file.Sync(); err != nil {
		return nil, Error.Wrap(err)
	}
	s.size += int64(n)
	return offsets, nil
}

func (s *segment) close() error {
	return Error.Wrap(s.file.Close())
}
