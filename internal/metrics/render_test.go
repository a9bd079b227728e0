package metrics

import (
	"errors"
	"strings"
	"testing"

	"github.com/tastythames/slurm-runner/internal/slurm"
)

type staticSource slurm.Stats

func (s staticSource) Stats() slurm.Stats { return slurm.Stats(s) }

func TestRendererWrite(t *testing.T) {
	src := staticSource{
		Jobs:          map[slurm.State]int{slurm.StateIdle: 2, slurm.StateProcessing: 1},
		QueueLen:      4,
		ConnErr:       errors.New("auth failed"),
		LocalDigests:  3,
		RemoteDigests: 1,
		PollTicks:     10,
		PollDropped:   2,
	}
	var b strings.Builder
	NewRenderer(src).Write(&b)
	out := b.String()

	for _, want := range []string{
		"slurm_runner_up 1\n",
		"slurm_runner_connection_up 0\n",
		"slurm_runner_connection_error 1\n",
		`slurm_runner_jobs{state="idle"} 2` + "\n",
		`slurm_runner_jobs{state="processing"} 1` + "\n",
		`slurm_runner_jobs{state="finishing"} 0` + "\n",
		"slurm_runner_queue_length 4\n",
		`slurm_runner_cached_digests{side="local"} 3` + "\n",
		`slurm_runner_ticks_total{timer="poll"} 10` + "\n",
		`slurm_runner_ticks_dropped_total{timer="poll"} 2` + "\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output:\n%s", want, out)
		}
	}
}

func TestFormatLabelsSorted(t *testing.T) {
	got := formatLabels(map[string]string{"timer": "poll", "host": "a"})
	if got != `{host="a",timer="poll"}` {
		t.Errorf("got %s", got)
	}
	if formatLabels(nil) != "" {
		t.Error("empty labels should render nothing")
	}
}
