package orchestrator

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
)

// ComputeLockKey derives the stable 64-bit advisory-lock key for a
// (project, source, job) triple: SHA-1 of "project_id:source:job" as UTF-8,
// first 8 bytes read as a signed big-endian int64. This exact algorithm is
// mandated by §9 so that any client sharing the database agrees on the key
// (ported bit-for-bit from the original implementation's compute_lock_key).
func ComputeLockKey(projectID int64, sourceCode, jobCode string) int64 {
	payload := fmt.Sprintf("%d:%s:%s", projectID, sourceCode, jobCode)
	sum := sha1.Sum([]byte(payload))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
