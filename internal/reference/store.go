// Package reference holds the expected pose sequence a performer is
// compared against.
//
// A sequence is produced once from a reference video (Build), loaded from a
// persisted CSV log (ReadCSV), or followed live from a second video
// (Streamer). Consumers only see the Provider interface: a pose for a cursor
// position.
package reference

import (
	"github.com/e7canasta/dantic/internal/config"
	"github.com/e7canasta/dantic/internal/pose"
)

// Provider yields the reference pose for a cursor position.
//
// Len is the sequence length used to wrap the cursor. Providers without a
// fixed length (streaming) report 0 and ignore the cursor.
type Provider interface {
	Pose(cursor int) pose.Reduced
	Len() int
}

// Store is an immutable, non-empty pose sequence with modulo indexing.
type Store struct {
	seq []pose.Reduced
}

// NewStore copies poses into a store. An empty sequence is a configuration
// error unless allowEmpty is set, in which case the single zero pose is
// stored so lookups always succeed.
func NewStore(poses []pose.Reduced, allowEmpty bool) (*Store, error) {
	if len(poses) == 0 {
		if !allowEmpty {
			return nil, config.Errorf("reference", "reference sequence is empty")
		}
		return &Store{seq: []pose.Reduced{pose.Zero}}, nil
	}
	seq := make([]pose.Reduced, len(poses))
	copy(seq, poses)
	return &Store{seq: seq}, nil
}

// Get returns the pose at i modulo Len. Negative indices wrap as well.
func (s *Store) Get(i int) pose.Reduced {
	n := len(s.seq)
	return s.seq[((i%n)+n)%n]
}

// Pose implements Provider.
func (s *Store) Pose(cursor int) pose.Reduced { return s.Get(cursor) }

// Len returns the sequence length (always >= 1).
func (s *Store) Len() int { return len(s.seq) }

// Sequence returns a copy of the stored poses.
func (s *Store) Sequence() []pose.Reduced {
	out := make([]pose.Reduced, len(s.seq))
	copy(out, s.seq)
	return out
}
