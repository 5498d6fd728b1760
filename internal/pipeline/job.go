package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shineum/mailpipe/internal/email"
	"github.com/shineum/mailpipe/internal/parser"
	"github.com/shineum/mailpipe/internal/quota"
)

// Job is the queue payload of one accepted submission. Only the raw message
// is stored; Email is rebuilt from it by Decode.
type Job struct {
	Envelope    email.Envelope `json:"envelope"`
	Raw         []byte         `json:"raw"`
	Size        int64          `json:"size"`
	QuotaRoot   quota.Root     `json:"quota_root"`
	SubmittedAt time.Time      `json:"submitted_at"`

	Email *email.Email `json:"-"`
}

// Encode serializes the job for the queue.
func (j *Job) Encode() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}
	return data, nil
}

// Decode restores a job from a queue payload and re-parses its message.
func Decode(payload []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(payload, &j); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	if len(j.Raw) == 0 {
		return nil, errors.New("failed to decode job: missing raw message")
	}
	msg, err := parser.Parse(j.Raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	j.Email = msg.ToEmail(j.Envelope, j.Raw)
	return &j, nil
}
