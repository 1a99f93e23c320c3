package eventstore

import (
	"io"
	"os"
)

// recoveredRecord is a record found during recovery, tagged with its
// file offset so the stream index can be rebuilt.
type recoveredRecord struct {
	Record *Record
	Offset int64
}

// scanRecords walks data from the beginning, verifying every record and
// trailer CRC in order. It returns every record belonging to a batch whose
// closing trailer was itself found intact; any bytes after the last such
// trailer belong to an unconfirmed (possibly torn, possibly just
// concurrently-in-progress) tail and are never included. clean reports
// whether the scan consumed the entire buffer as confirmed batches, i.e.
// whether lastGoodEnd == len(data).
func scanRecords(data []byte) (records []recoveredRecord, lastGoodEnd int64, clean bool) {
	var (
		offset  int64
		pending []recoveredRecord
	)

	for int(offset) < len(data) {
		buf := data[offset:]
		if len(buf) < 3 {
			break
		}

		isTrailer := buf[2]&flagTrailer != 0

		if isTrailer {
			_, n, ok := decodeTrailer(buf)
			if !ok {
				break
			}
			offset += int64(n)
			lastGoodEnd = offset
			records = append(records, pending...)
			pending = nil
			continue
		}

		rec, n, ok := DecodeRecord(buf)
		if !ok {
			break
		}
		pending = append(pending, recoveredRecord{Record: rec, Offset: offset})
		offset += int64(n)
	}

	return records, lastGoodEnd, len(pending) == 0 && int(offset) == len(data)
}

// recoverSegment scans path and truncates away any unconfirmed tail batch
// (spec §4.A "Recovery on open"). It is destructive and single-threaded:
// the only caller is Store.recover() at startup, before any reader or
// writer is active on the file. Concurrent, in-process reads must use
// scanSegmentLive instead, which never mutates the file.
func recoverSegment(path string) (records []recoveredRecord, truncatedAt int64, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, Error.Wrap(err)
	}

	records, lastGoodEnd, clean := scanRecords(data)
	if !clean {
		if err := truncateFile(path, lastGoodEnd); err != nil {
			return nil, 0, err
		}
	}
	return records, lastGoodEnd, nil
}

// scanSegmentLive scans path for confirmed records the same way
// recoverSegment does, but never truncates the file. Used by concurrent
// readers (ReadGlobal, readAt, scanForRevision) running against the active
// segment while the writer may still be appending to it: a torn-looking
// tail there is normal in-flight write activity, not a crash, and must not
// be treated as corruption (spec §5 concurrent reader/writer model).
func scanSegmentLive(path string) ([]recoveredRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	records, _, _ := scanRecords(data)
	return records, nil
}

func truncateFile(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = f.Close() }()

	if err := f.Truncate(size); err != nil {
		return Error.Wrap(err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(f.Sync())
}
