package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tastythames/slurm-runner/internal/slurm"
)

// Source is anything that can summarize the runner, normally *slurm.Manager.
type Source interface {
	Stats() slurm.Stats
}

type Renderer struct {
	Source Source
}

func NewRenderer(s Source) *Renderer {
	return &Renderer{Source: s}
}

var allStates = []slurm.State{
	slurm.StateIdle,
	slurm.StateStarting,
	slurm.StateWaitingInQueue,
	slurm.StateProcessing,
	slurm.StateFinishing,
}

func (r *Renderer) Write(w io.Writer) {
	start := time.Now()
	st := r.Source.Stats()

	fmt.Fprintf(w, "# HELP %s 1 if the runner process is running.\n", MetricRunnerUp)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricRunnerUp)
	fmt.Fprintf(w, "%s 1\n", MetricRunnerUp)

	// ---------------------------------------------------
	// Connection
	// ---------------------------------------------------
	up, errFlag := 0, 0
	if st.Connected {
		up = 1
	}
	if st.ConnErr != nil {
		errFlag = 1
	}
	fmt.Fprintf(w, "# HELP %s 1 if an SSH connection to the cluster is open.\n", MetricConnectionUp)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricConnectionUp)
	fmt.Fprintf(w, "%s %d\n", MetricConnectionUp, up)
	fmt.Fprintf(w, "# HELP %s 1 if the last connection attempt failed.\n", MetricConnectionError)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricConnectionError)
	fmt.Fprintf(w, "%s %d\n", MetricConnectionError, errFlag)

	// ---------------------------------------------------
	// Jobs
	// ---------------------------------------------------
	fmt.Fprintf(w, "# HELP %s Tracked jobs per state.\n", MetricJobs)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricJobs)
	for _, s := range allStates {
		fmt.Fprintf(w, "%s%s %d\n", MetricJobs, formatLabels(map[string]string{"state": s.String()}), st.Jobs[s])
	}

	fmt.Fprintf(w, "# HELP %s Operations waiting in the primary queue.\n", MetricQueueLength)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricQueueLength)
	fmt.Fprintf(w, "%s %d\n", MetricQueueLength, st.QueueLen)

	fmt.Fprintf(w, "# HELP %s File digests held by the checksum cache.\n", MetricDigests)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricDigests)
	fmt.Fprintf(w, "%s%s %d\n", MetricDigests, formatLabels(map[string]string{"side": "local"}), st.LocalDigests)
	fmt.Fprintf(w, "%s%s %d\n", MetricDigests, formatLabels(map[string]string{"side": "remote"}), st.RemoteDigests)

	// ---------------------------------------------------
	// Timers
	// ---------------------------------------------------
	fmt.Fprintf(w, "# HELP %s Ticks delivered to the manager.\n", MetricTicks)
	fmt.Fprintf(w, "# TYPE %s counter\n", MetricTicks)
	fmt.Fprintf(w, "%s%s %d\n", MetricTicks, formatLabels(map[string]string{"timer": "pump"}), st.PumpTicks)
	fmt.Fprintf(w, "%s%s %d\n", MetricTicks, formatLabels(map[string]string{"timer": "poll"}), st.PollTicks)

	fmt.Fprintf(w, "# HELP %s Ticks dropped because the manager was busy.\n", MetricTicksDropped)
	fmt.Fprintf(w, "# TYPE %s counter\n", MetricTicksDropped)
	fmt.Fprintf(w, "%s%s %d\n", MetricTicksDropped, formatLabels(map[string]string{"timer": "pump"}), st.PumpDropped)
	fmt.Fprintf(w, "%s%s %d\n", MetricTicksDropped, formatLabels(map[string]string{"timer": "poll"}), st.PollDropped)

	fmt.Fprintf(w, "# HELP %s Time spent rendering /metrics.\n", MetricRenderDurationSeconds)
	fmt.Fprintf(w, "# TYPE %s gauge\n", MetricRenderDurationSeconds)
	fmt.Fprintf(w, "%s %.6f\n", MetricRenderDurationSeconds, time.Since(start).Seconds())
}

func formatLabels(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		// label values here are fixed identifiers, never user text
		fmt.Fprintf(&b, `%s="%s"`, k, m[k])
	}
	b.WriteString("}")
	return b.String()
}
