package eventstore

import "hash/fnv"

// fingerprint hashes a single event payload.
func fingerprint(payload []byte) string {
	h := fnv.New128a()
	_, _ = h.Write(payload)
	return string(h.Sum(nil))
}

// chainFingerprint folds a new payload's fingerprint into a running
// command fingerprint, so the same algorithm applies whether it is run
// incrementally (one record at a time, during live commit or recovery
// replay) or in one pass over a whole proposed event set (when checking
// a re-appended command_id for idempotency).
func chainFingerprint(prev string, payload []byte) string {
	if prev == "" {
		return fingerprint(payload)
	}
	h := fnv.New128a()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write(payload)
	return string(h.Sum(nil))
}

// fingerprintSet computes the fully-chained fingerprint of an ordered
// event set, matching what StreamIndex.Apply accumulates if each event
// were committed as a separate record in order.
func fingerprintSet(events [][]byte) string {
	fp := ""
	for _, e := range events {
		fp = chainFingerprint(fp, e)
	}
	return fp
}
