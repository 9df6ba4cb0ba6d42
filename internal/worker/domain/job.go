package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Job is one request to build and publish an uploaded project archive
type Job struct {
	ID               string
	SourceArchiveKey string
}

// Acknowledger settles a queue delivery. amqp091 deliveries satisfy it.
type Acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// JobMessage represents a raw message received from the queue
type JobMessage struct {
	Body        []byte
	DeliveryTag uint64
	Redelivered bool
	Delivery    Acknowledger
}

// jobPayload is the wire shape of a job. Older producers send template_id and
// s3_key.
type jobPayload struct {
	JobID            string `json:"jobId"`
	SourceArchiveKey string `json:"sourceArchiveKey"`
	TemplateID       string `json:"template_id,omitempty"`
	S3Key            string `json:"s3_key,omitempty"`
}

// ValidJobID reports whether id is safe to use as an object key segment and
// directory name
func ValidJobID(id string) bool {
	return jobIDPattern.MatchString(id)
}

// DecodeJob parses a message body into a Job
func DecodeJob(body []byte) (Job, error) {
	var p jobPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	job := Job{ID: p.JobID, SourceArchiveKey: p.SourceArchiveKey}
	if job.ID == "" {
		job.ID = p.TemplateID
	}
	if job.SourceArchiveKey == "" {
		job.SourceArchiveKey = p.S3Key
	}

	if !ValidJobID(job.ID) {
		return Job{}, fmt.Errorf("%w: invalid jobId %q", ErrInvalidMessage, job.ID)
	}
	if job.SourceArchiveKey == "" {
		return Job{}, fmt.Errorf("%w: sourceArchiveKey is required", ErrInvalidMessage)
	}

	return job, nil
}

// Encode returns the JSON message body of the job
func (j Job) Encode() ([]byte, error) {
	return json.Marshal(jobPayload{JobID: j.ID, SourceArchiveKey: j.SourceArchiveKey})
}

// StatusRecord is the persisted status of a job
type StatusRecord struct {
	ID               string
	SourceArchiveKey string
	Status           string
	PreviewURL       *string
	UpdatedAt        time.Time
}
