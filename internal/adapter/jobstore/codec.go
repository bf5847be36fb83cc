package jobstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/scribehq/notegen/internal/domain"
)

// jobToFields flattens a Job into redis hash field/value pairs. Input and
// Output maps are serialized as JSON objects of plain values.
func jobToFields(j domain.Job) (map[string]string, error) {
	fields := map[string]string{
		fID:           j.ID,
		fUserID:       j.UserID,
		fType:         string(j.Type),
		fQueue:        j.Queue,
		fStatus:       string(j.Status),
		fError:        j.Error,
		fCreatedAt:    strconv.FormatInt(timeToMS(j.CreatedAt), 10),
		fAttemptCount: strconv.Itoa(j.AttemptCount),
		fMaxAttempts:  strconv.Itoa(j.MaxAttempts),
		fSessionID:    j.SessionID,
		fTranscriptID: j.TranscriptID,
	}
	if j.StartedAt != nil {
		fields[fStartedAt] = strconv.FormatInt(timeToMS(*j.StartedAt), 10)
	}
	if j.CompletedAt != nil {
		fields[fCompletedAt] = strconv.FormatInt(timeToMS(*j.CompletedAt), 10)
	}
	if !j.NextEligibleAt.IsZero() {
		fields[fNextEligible] = strconv.FormatInt(timeToMS(j.NextEligibleAt), 10)
	}
	if j.LastErrorCategory != "" {
		fields[fErrorCategory] = string(j.LastErrorCategory)
	}
	if j.AttemptTimeout > 0 {
		fields[fAttemptTO] = strconv.FormatInt(j.AttemptTimeout.Milliseconds(), 10)
	}
	if j.Input != nil {
		b, err := json.Marshal(j.Input)
		if err != nil {
			return nil, fmt.Errorf("op=jobstore.encode: input: %w", err)
		}
		fields[fInput] = string(b)
	}
	if j.Output != nil {
		b, err := json.Marshal(j.Output)
		if err != nil {
			return nil, fmt.Errorf("op=jobstore.encode: output: %w", err)
		}
		fields[fOutput] = string(b)
	}
	return fields, nil
}

// fieldsToJob rebuilds a Job from a hash. Unknown fields are ignored.
func fieldsToJob(fields map[string]string) (domain.Job, error) {
	if fields[fID] == "" {
		return domain.Job{}, fmt.Errorf("op=jobstore.decode: %w", domain.ErrNotFound)
	}
	j := domain.Job{
		ID:                fields[fID],
		UserID:            fields[fUserID],
		Type:              domain.JobType(fields[fType]),
		Queue:             fields[fQueue],
		Status:            domain.JobStatus(fields[fStatus]),
		Error:             fields[fError],
		CreatedAt:         msToTime(parseInt(fields[fCreatedAt])),
		AttemptCount:      int(parseInt(fields[fAttemptCount])),
		MaxAttempts:       int(parseInt(fields[fMaxAttempts])),
		SessionID:         fields[fSessionID],
		TranscriptID:      fields[fTranscriptID],
		LastErrorCategory: domain.ErrorCategory(fields[fErrorCategory]),
	}
	if v := fields[fStartedAt]; v != "" {
		t := msToTime(parseInt(v))
		j.StartedAt = &t
	}
	if v := fields[fCompletedAt]; v != "" {
		t := msToTime(parseInt(v))
		j.CompletedAt = &t
	}
	if v := fields[fNextEligible]; v != "" {
		j.NextEligibleAt = msToTime(parseInt(v))
	}
	if v := fields[fAttemptTO]; v != "" {
		j.AttemptTimeout = time.Duration(parseInt(v)) * time.Millisecond
	}
	if v := fields[fInput]; v != "" {
		if err := json.Unmarshal([]byte(v), &j.Input); err != nil {
			return domain.Job{}, fmt.Errorf("op=jobstore.decode: input: %w", err)
		}
	}
	if v := fields[fOutput]; v != "" {
		if err := json.Unmarshal([]byte(v), &j.Output); err != nil {
			return domain.Job{}, fmt.Errorf("op=jobstore.decode: output: %w", err)
		}
	}
	return j, nil
}
