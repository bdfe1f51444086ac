// Package model holds the data types shared by every engine component:
// ExperimentConfig, Checkpoint, RunResult and its aggregates, and the
// identifier helpers used to name directories and branches.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// TierID is a short symbolic token from a fixed ordered set (e.g. T0…T6).
type TierID string

// SubtestID is a two-digit string with a suffix (e.g. "00-empty"), sortable
// lexicographically.
type SubtestID string

// RunNumber is a 1-based run index, zero-padded to two digits in paths.
type RunNumber int

// Dir renders a run number as the "run_NN" directory name.
func (n RunNumber) Dir() string {
	return fmt.Sprintf("run_%02d", int(n))
}

var subtestPrefixRe = regexp.MustCompile(`^[0-9]{2}`)

// HasNumericPrefix reports whether the subtest id begins with two digits,
// the enumeration rule from §4.3.
func (s SubtestID) HasNumericPrefix() bool {
	return subtestPrefixRe.MatchString(string(s))
}

// RepoKey is the first 64 bits of SHA-256 of the canonical source repository
// URL, hex-encoded.
type RepoKey string

// NewRepoKey computes the RepoKey for a repository URL.
func NewRepoKey(url string) RepoKey {
	sum := sha256.Sum256([]byte(url))
	return RepoKey(hex.EncodeToString(sum[:8]))
}

// BranchName returns the unique worktree branch name "{TierId}_{SubtestId}".
func BranchName(tier TierID, subtest SubtestID) string {
	return fmt.Sprintf("%s_%s", tier, subtest)
}

var (
	entropyMu     sync.Mutex
	entropySource = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewULID returns a sortable, globally unique identifier, used for
// experiment ids and correlation ids. Generation is serialized because
// ulid.Monotonic is not safe for concurrent use.
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropySource).String()
}
