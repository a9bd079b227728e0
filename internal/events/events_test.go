package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis/v7"
	"github.com/google/uuid"

	"github.com/tastythames/slurm-runner/internal/slurm"
)

func newTestSink(t *testing.T, maxLen int64) (*RedisSink, *redis.Client) {
	s, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisSink(client, "test", maxLen), client
}

func TestRedisSinkPublish(t *testing.T) {
	sink, client := newTestSink(t, 0)
	id := uuid.MustParse("814d602e-fbc0-488d-9aa5-0e11556ff846")
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	sink.Publish(slurm.Event{Kind: slurm.EventStarted, Job: id, Name: "a", State: slurm.StateWaitingInQueue, RemoteID: 42, At: at})
	sink.Publish(slurm.Event{Kind: slurm.EventStdout, Job: id, Name: "a", State: slurm.StateProcessing, RemoteID: 42, Text: "hello\n", At: at})
	sink.Publish(slurm.Event{Kind: slurm.EventError, Job: id, Name: "a", State: slurm.StateIdle, Err: errors.New("boom"), At: at})

	content, err := client.LRange("test:events", 0, 999).Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(content) != 3 {
		t.Fatalf("expected 3 stored events, got %d", len(content))
	}
	var first Record
	if err := json.Unmarshal([]byte(content[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first.Kind != "started" || first.Job != id.String() || first.RemoteID != 42 || first.State != "waiting" {
		t.Errorf("unexpected first record %+v", first)
	}

	latest, err := client.Get(sink.JobKey(id)).Result()
	if err != nil {
		t.Fatal(err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(latest), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Kind != "error" || rec.Error != "boom" {
		t.Errorf("latest job record should be the error, got %+v", rec)
	}

	recent, err := sink.Recent(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].Text != "hello\n" || recent[1].Kind != "error" {
		t.Errorf("unexpected recent events %+v", recent)
	}
}

func TestRedisSinkCapsList(t *testing.T) {
	sink, client := newTestSink(t, 2)
	for i := 0; i < 5; i++ {
		sink.Publish(slurm.Event{Kind: slurm.EventStatusChanged, Job: uuid.New(), Task: i})
	}
	n, err := client.LLen("test:events").Result()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected list capped at 2, got %d", n)
	}
	recent, _ := sink.Recent(10)
	if len(recent) != 2 || recent[1].Task != 4 {
		t.Errorf("expected the newest events to survive, got %+v", recent)
	}
}
