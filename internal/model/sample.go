package model

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Hashes identify a sample. SHA1 and SHA256 are unique across all samples,
// MD5 may collide.
type Hashes struct {
	MD5    string `json:"md5"`
	SHA1   string `json:"sha1"`
	SHA256 string `json:"sha2"`
}

// HashContent computes all three hashes of b.
func HashContent(b []byte) Hashes {
	m := md5.Sum(b)
	s1 := sha1.Sum(b)
	s2 := sha256.Sum256(b)
	return Hashes{
		MD5:    hex.EncodeToString(m[:]),
		SHA1:   hex.EncodeToString(s1[:]),
		SHA256: hex.EncodeToString(s2[:]),
	}
}

type Sample struct {
	ID int64
	Hashes
	Name      string
	Size      int64
	Type      *string // decompiler identifier, nil until classified
	CreatedAt time.Time
	// Statistics is nil until a job reached a terminal outcome.
	Statistics *Statistics
}

func (s Sample) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "id: %d, sha1: %q, name: %q, size: %d", s.ID, s.SHA1, s.Name, s.Size)
	if s.Type != nil {
		fmt.Fprintf(&sb, ", type: %q", *s.Type)
	} else {
		sb.WriteString(", type: nil")
	}
	if s.Statistics != nil {
		fmt.Fprintf(&sb, ", decompiled: %t, version: %d", s.Statistics.Decompiled, s.Statistics.Version)
	} else {
		sb.WriteString(", statistics: nil")
	}
	return sb.String()
}

// TypeName returns the decompiler identifier or an empty string.
func (s Sample) TypeName() string {
	if s.Type == nil {
		return ""
	}
	return *s.Type
}

// Decompiled reports whether the last finished run produced a result.
func (s Sample) Decompiled() bool {
	return s.Statistics != nil && s.Statistics.Decompiled
}

// Statistics is the outcome of the last terminal job of a sample.
type Statistics struct {
	Decompiled  bool
	TimedOut    bool
	ExitStatus  *int
	ElapsedTime *int // seconds
	Timeout     *int // seconds
	Output      string
	Result      []byte // zipped decompilation result
	Decompiler  string
	Version     int
	CreatedAt   time.Time
}

// Validate checks the invariants of a statistics record.
func (s Statistics) Validate() error {
	if s.Decompiled && s.TimedOut {
		return fmt.Errorf("decompiled and timed out at once: %w", ErrInvalidResult)
	}
	return nil
}

// Failed reports a run which neither produced a result nor timed out.
func (s Statistics) Failed() bool {
	return !s.Decompiled && !s.TimedOut
}
