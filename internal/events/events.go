package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v7"

	"github.com/tastythames/slurm-runner/internal/slurm"
)

// Record is the serialized form of a job event.
type Record struct {
	Kind     string          `json:"kind"`
	Job      string          `json:"job"`
	Name     string          `json:"name"`
	State    string          `json:"state"`
	RemoteID int             `json:"remote_id,omitempty"`
	Task     int             `json:"task"`
	Text     string          `json:"text,omitempty"`
	File     *slurm.FileInfo `json:"file,omitempty"`
	Error    string          `json:"error,omitempty"`
	At       time.Time       `json:"at"`
}

func NewRecord(ev slurm.Event) Record {
	r := Record{
		Kind:     ev.Kind.String(),
		Job:      ev.Job.String(),
		Name:     ev.Name,
		State:    ev.State.String(),
		RemoteID: ev.RemoteID,
		Task:     ev.Task,
		Text:     ev.Text,
		File:     ev.File,
		At:       ev.At.UTC(),
	}
	if ev.Err != nil {
		r.Error = ev.Err.Error()
	}
	return r
}

// LogSink writes one log line per event.
type LogSink struct{}

func (LogSink) Publish(ev slurm.Event) {
	switch ev.Kind {
	case slurm.EventStdout:
		log.Printf("job %s [%d.%d] stdout:\n%s", ev.Name, ev.RemoteID, ev.Task, ev.Text)
	case slurm.EventOutputFile:
		log.Printf("job %s: retrieved %s (sha1 %s)", ev.Name, ev.File.LocalPath, ev.File.Digest)
	case slurm.EventError:
		log.Printf("job %s: error: %v", ev.Name, ev.Err)
	default:
		log.Printf("job %s: %s (%s)", ev.Name, ev.Kind, ev.State)
	}
}

// RedisSink appends events to a capped list and keeps the latest record of
// each job under its own key.
type RedisSink struct {
	client redis.Cmdable
	prefix string
	maxLen int64
}

const DefaultMaxEvents = 10000

func NewRedisSink(client redis.Cmdable, prefix string, maxLen int64) *RedisSink {
	if prefix == "" {
		prefix = "slurm-runner"
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxEvents
	}
	return &RedisSink{client: client, prefix: prefix, maxLen: maxLen}
}

func (s *RedisSink) EventsKey() string { return s.prefix + ":events" }

func (s *RedisSink) JobKey(id slurm.JobID) string {
	return fmt.Sprintf("%s:job:%s", s.prefix, id)
}

func (s *RedisSink) Publish(ev slurm.Event) {
	if err := s.publish(ev); err != nil {
		log.Printf("Could not publish %s event for job %s: %s", ev.Kind, ev.Job, err)
	}
}

func (s *RedisSink) publish(ev slurm.Event) error {
	content, err := json.Marshal(NewRecord(ev))
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(s.EventsKey(), string(content))
	pipe.LTrim(s.EventsKey(), -s.maxLen, -1)
	if ev.Kind != slurm.EventStdout {
		pipe.Set(s.JobKey(ev.Job), string(content), 0)
	}
	_, err = pipe.Exec()
	return err
}

// Recent returns up to n of the newest stored events, oldest first.
func (s *RedisSink) Recent(n int64) ([]Record, error) {
	raw, err := s.client.LRange(s.EventsKey(), -n, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(raw))
	for _, r := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			log.Printf("Could not decode stored event: %s", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
