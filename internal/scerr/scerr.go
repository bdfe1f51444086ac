// Package scerr defines the engine's authoritative error taxonomy (§7). Every
// entry is a Tag value carried by the single TaggedError type, which wraps an
// underlying cause, in the same style as kilroy's internal/llm typed Error
// interface: callers recover the tag with TagOf rather than string matching,
// and every tagged error exposes a stable Tag() used to populate
// run_result.json's error_tag field.
package scerr

import "fmt"

// Tag is one of the authoritative taxonomy values.
type Tag string

const (
	TagCorruptCheckpoint    Tag = "CorruptCheckpoint"
	TagExperimentLockHeld   Tag = "ExperimentLockHeld"
	TagWorkspaceSetupFailed Tag = "WorkspaceSetupFailed"
	TagAgentRateLimited     Tag = "AgentRateLimited"
	TagAgentTransient       Tag = "AgentTransient"
	TagAgentAuth            Tag = "AgentAuth"
	TagAgentNotFound        Tag = "AgentNotFound"
	TagAgentTimeout         Tag = "AgentTimeout"
	TagAgentPermanent       Tag = "AgentPermanent"
	TagJudgeRateLimited     Tag = "JudgeRateLimited"
	TagJudgeTransient       Tag = "JudgeTransient"
	TagJudgeParseError      Tag = "JudgeParseError"
	TagJudgePermanent       Tag = "JudgePermanent"
	TagDiskFull             Tag = "DiskFull"
)

// TaggedError is any error carrying one of the taxonomy tags.
type TaggedError struct {
	tag Tag
	msg string
	err error
}

func New(tag Tag, msg string) *TaggedError {
	return &TaggedError{tag: tag, msg: msg}
}

func Wrap(tag Tag, msg string, err error) *TaggedError {
	return &TaggedError{tag: tag, msg: msg, err: err}
}

func (e *TaggedError) Tag() Tag { return e.tag }

func (e *TaggedError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.tag, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.tag, e.msg)
}

func (e *TaggedError) Unwrap() error { return e.err }

// TagOf returns the tag of the first *TaggedError found by walking err's
// Unwrap chain, and false if there is none.
func TagOf(err error) (Tag, bool) {
	var te *TaggedError
	if ok := asTaggedError(err, &te); ok {
		return te.tag, true
	}
	return "", false
}

func asTaggedError(err error, target **TaggedError) bool {
	for err != nil {
		if te, ok := err.(*TaggedError); ok {
			*target = te
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
