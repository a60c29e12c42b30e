// Package segkey implements the canonical object-store key codec. Job and
// segment identity is only ever recovered from a raw storage notification
// through Parse; every producer and consumer shares this one implementation
// so their interpretations cannot drift.
package segkey

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// SegmentPrefix is the object-store prefix for uploaded segments.
	SegmentPrefix = "segments/"
	// SourcePrefix is the object-store prefix for uploaded source artifacts.
	SourcePrefix = "sources/"
	// ResultPrefix is the object-store prefix the inference backend writes
	// results under. Result keys mirror segment keys field for field.
	ResultPrefix = "results/"
	// ArtifactPrefix is the object-store prefix for final artifacts.
	ArtifactPrefix = "artifacts/"

	maxSegments = 99999
)

// ErrMalformed is returned for any key that does not round-trip through the
// codec. Malformed keys are rejected, never guessed at.
var ErrMalformed = errors.New("segkey: malformed key")

// Key is the decoded identity of one segment.
type Key struct {
	JobID         string
	Index         int
	TotalSegments int
	Mode          string
}

func (k Key) validate() error {
	if k.JobID == "" || strings.ContainsAny(k.JobID, "/_") {
		return fmt.Errorf("%w: bad job id %q", ErrMalformed, k.JobID)
	}
	if k.Mode == "" || strings.Contains(k.Mode, "/") {
		return fmt.Errorf("%w: bad mode %q", ErrMalformed, k.Mode)
	}
	if k.TotalSegments < 1 || k.TotalSegments > maxSegments {
		return fmt.Errorf("%w: total %d out of range", ErrMalformed, k.TotalSegments)
	}
	if k.Index < 0 || k.Index >= k.TotalSegments {
		return fmt.Errorf("%w: index %d out of range for total %d", ErrMalformed, k.Index, k.TotalSegments)
	}
	return nil
}

// Encode renders the canonical segment key:
//
//	segments/{job_id}/{index:05d}_{total:05d}_{mode}
//
// Indices are zero-padded so keys under one job sort lexicographically in
// segment order.
func Encode(k Key) (string, error) {
	if err := k.validate(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%s/%05d_%05d_%s", SegmentPrefix, k.JobID, k.Index, k.TotalSegments, k.Mode), nil
}

// EncodeResult renders the deterministic output location for a segment. It
// is the segment key under the results prefix; the async backend writes its
// result object at exactly this key.
func EncodeResult(k Key) (string, error) {
	if err := k.validate(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%s/%05d_%05d_%s", ResultPrefix, k.JobID, k.Index, k.TotalSegments, k.Mode), nil
}

// Parse is the single inverse of Encode and EncodeResult. It accepts a key
// under either prefix and rejects anything else with ErrMalformed.
func Parse(key string) (Key, error) {
	rest := ""
	switch {
	case strings.HasPrefix(key, SegmentPrefix):
		rest = strings.TrimPrefix(key, SegmentPrefix)
	case strings.HasPrefix(key, ResultPrefix):
		rest = strings.TrimPrefix(key, ResultPrefix)
	default:
		return Key{}, fmt.Errorf("%w: unknown prefix in %q", ErrMalformed, key)
	}

	jobID, name, ok := strings.Cut(rest, "/")
	if !ok || jobID == "" || strings.Contains(name, "/") {
		return Key{}, fmt.Errorf("%w: %q", ErrMalformed, key)
	}

	parts := strings.SplitN(name, "_", 3)
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("%w: %q", ErrMalformed, key)
	}

	index, err := parseFixed(parts[0])
	if err != nil {
		return Key{}, fmt.Errorf("%w: bad index in %q", ErrMalformed, key)
	}
	total, err := parseFixed(parts[1])
	if err != nil {
		return Key{}, fmt.Errorf("%w: bad total in %q", ErrMalformed, key)
	}

	k := Key{JobID: jobID, Index: index, TotalSegments: total, Mode: parts[2]}
	if err := k.validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// parseFixed parses an exactly-five-digit zero-padded field.
func parseFixed(s string) (int, error) {
	if len(s) != 5 {
		return 0, ErrMalformed
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, ErrMalformed
		}
	}
	return strconv.Atoi(s)
}

// SourceKey renders the upload location for a job's source artifact.
func SourceKey(jobID, filename string) string {
	return SourcePrefix + jobID + "/" + filename
}

// JobIDFromSource recovers the job id from a source key.
func JobIDFromSource(key string) (string, error) {
	rest, ok := strings.CutPrefix(key, SourcePrefix)
	if !ok {
		return "", fmt.Errorf("%w: not a source key %q", ErrMalformed, key)
	}
	jobID, _, ok := strings.Cut(rest, "/")
	if !ok || jobID == "" {
		return "", fmt.Errorf("%w: %q", ErrMalformed, key)
	}
	return jobID, nil
}

// SegmentDir returns the listing prefix for all segments of one job.
func SegmentDir(jobID string) string {
	return SegmentPrefix + jobID + "/"
}

// ArtifactKey returns the deterministic location of a job's final artifact.
func ArtifactKey(jobID, mode string) string {
	return ArtifactPrefix + jobID + "/" + mode
}
