package metrics

const (
	// runner health
	MetricRunnerUp              = "slurm_runner_up"
	MetricRenderDurationSeconds = "slurm_runner_render_duration_seconds"

	// cluster connection
	MetricConnectionUp    = "slurm_runner_connection_up"
	MetricConnectionError = "slurm_runner_connection_error"

	// jobs + queue
	MetricJobs        = "slurm_runner_jobs"
	MetricQueueLength = "slurm_runner_queue_length"

	// checksum cache
	MetricDigests = "slurm_runner_cached_digests"

	// timers
	MetricTicks        = "slurm_runner_ticks_total"
	MetricTicksDropped = "slurm_runner_ticks_dropped_total"
)
