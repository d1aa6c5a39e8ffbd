package domain

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// TrackingKey identifies the scheduling record of one chunk.
type TrackingKey struct {
	JobID   int `json:"jobId"`
	ChunkID int `json:"chunkId"`
}

// Compare orders keys by job, then chunk.
func (k TrackingKey) Compare(o TrackingKey) int {
	if c := cmp.Compare(k.JobID, o.JobID); c != 0 {
		return c
	}
	return cmp.Compare(k.ChunkID, o.ChunkID)
}

func (k TrackingKey) Less(o TrackingKey) bool { return k.Compare(o) < 0 }

// String renders the key as "job:chunk", the form used as a set member.
func (k TrackingKey) String() string {
	return strconv.Itoa(k.JobID) + ":" + strconv.Itoa(k.ChunkID)
}

// ParseTrackingKey parses the output of TrackingKey.String.
func ParseTrackingKey(s string) (TrackingKey, error) {
	job, chunk, ok := strings.Cut(s, ":")
	if !ok {
		return TrackingKey{}, errors.Errorf("malformed tracking key %q", s)
	}
	j, err := strconv.Atoi(job)
	if err != nil {
		return TrackingKey{}, errors.Wrapf(err, "tracking key %q", s)
	}
	c, err := strconv.Atoi(chunk)
	if err != nil {
		return TrackingKey{}, errors.Wrapf(err, "tracking key %q", s)
	}
	return TrackingKey{JobID: j, ChunkID: c}, nil
}

// WaitForKey names an ordering group: chunks for the same sink from the same
// submitter sharing a match key.
type WaitForKey struct {
	SinkID    int    `json:"sinkId"`
	Submitter int    `json:"submitter"`
	MatchKey  string `json:"matchKey"`
}

func (w WaitForKey) Compare(o WaitForKey) int {
	if c := cmp.Compare(w.SinkID, o.SinkID); c != 0 {
		return c
	}
	if c := cmp.Compare(w.Submitter, o.Submitter); c != 0 {
		return c
	}
	return strings.Compare(w.MatchKey, o.MatchKey)
}

func (w WaitForKey) String() string {
	return fmt.Sprintf("%d:%d:%s", w.SinkID, w.Submitter, w.MatchKey)
}
