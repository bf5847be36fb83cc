// Package jobstore provides the durable job store: a Redis-backed primary
// with an in-process fallback, both implementing domain.JobStore.
package jobstore

import (
	"strconv"
	"time"

	"github.com/scribehq/notegen/internal/domain"
)

// DefaultKeyPrefix namespaces every key the store writes.
const DefaultKeyPrefix = "notegen:"

type keys struct {
	prefix string
}

func newKeys(prefix string) keys {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return keys{prefix: prefix}
}

func (k keys) job(id string) string         { return k.prefix + "job:" + id }
func (k keys) jobPrefix() string            { return k.prefix + "job:" }
func (k keys) queue(name string) string     { return k.prefix + "queue:" + name }
func (k keys) queuePrefix() string          { return k.prefix + "queue:" }
func (k keys) state(s domain.JobStatus) string {
	return k.prefix + "state:" + string(s)
}
func (k keys) user(userID string) string { return k.prefix + "user:" + userID }
func (k keys) delayed() string           { return k.prefix + "delayed" }
func (k keys) terminal() string          { return k.prefix + "terminal" }

// Hash field names for a persisted job. The schema is closed: decoding maps
// known fields onto the Job struct and ignores everything else, so a stored
// record can never smuggle in type information.
const (
	fID            = "id"
	fUserID        = "user_id"
	fType          = "type"
	fQueue         = "queue"
	fStatus        = "status"
	fInput         = "input"
	fOutput        = "output"
	fError         = "error"
	fCreatedAt     = "created_at_ms"
	fStartedAt     = "started_at_ms"
	fCompletedAt   = "completed_at_ms"
	fAttemptCount  = "attempt_count"
	fMaxAttempts   = "max_attempts"
	fSessionID     = "session_id"
	fTranscriptID  = "transcript_id"
	fNextEligible  = "next_eligible_at_ms"
	fErrorCategory = "last_error_category"
	fAttemptTO     = "attempt_timeout_ms"
)

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func timeToMS(t time.Time) int64 {
	return t.UnixMilli()
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
