package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tastythames/slurm-runner/internal/events"
	"github.com/tastythames/slurm-runner/internal/inventory"
	"github.com/tastythames/slurm-runner/internal/metrics"
	"github.com/tastythames/slurm-runner/internal/slurm"
	"github.com/tastythames/slurm-runner/internal/sshclient"
	"github.com/tastythames/slurm-runner/internal/store"
)

func getenv(k, fb string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return fb
}

var rootCmd = &cobra.Command{
	Use:   "slurm-runner",
	Short: "Run tools on a SLURM cluster over SSH",
	Long:  `slurm-runner uploads tools and inputs to a SLURM login node, submits jobs, follows their output and brings results back.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			log.Printf("Error loading .env file: %v", err)
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit the inventory's jobs and follow them until shutdown",
	Run: func(cmd *cobra.Command, args []string) {
		invPath, _ := cmd.Flags().GetString("inventory")
		dbPath, _ := cmd.Flags().GetString("db")
		listen, _ := cmd.Flags().GetString("listen")
		exitWhenDone, _ := cmd.Flags().GetBool("exit-when-done")
		flush, _ := cmd.Flags().GetBool("flush")

		if invPath == "" {
			invPath = getenv("INVENTORY_FILE", "deploy/cluster.example.yaml")
		}
		if dbPath == "" {
			dbPath = getenv("SLURM_RUNNER_DB", "data/jobs.db")
		}
		if listen == "" {
			listen = getenv("SLURM_RUNNER_LISTEN", ":9223")
		}
		log.Printf("config: listen=%s inventory=%s db=%s", listen, invPath, dbPath)

		if err := run(invPath, dbPath, listen, exitWhenDone, flush); err != nil {
			log.Fatalf("run: %v", err)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List the jobs recorded in the database",
	Run: func(cmd *cobra.Command, args []string) {
		dbPath, _ := cmd.Flags().GetString("db")
		if dbPath == "" {
			dbPath = getenv("SLURM_RUNNER_DB", "data/jobs.db")
		}
		st, err := store.Open(dbPath)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer st.Close()

		jobs, err := st.List()
		if err != nil {
			log.Fatalf("Failed to list jobs: %v", err)
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs found")
			return
		}

		fmt.Printf("%-36s %-16s %-11s %-10s %-25s\n", "ID", "NAME", "STATE", "SLURM JOB", "UPDATED_AT")
		fmt.Println(strings.Repeat("-", 102))
		for _, j := range jobs {
			remote := "-"
			if j.Info.RemoteID != 0 {
				remote = fmt.Sprintf("%d.%d", j.Info.RemoteID, j.Info.Task)
			}
			fmt.Printf("%-36s %-16s %-11s %-10s %-25s\n",
				j.ID,
				j.Name,
				j.State,
				remote,
				j.UpdatedAt.Format(time.RFC3339),
			)
		}
	},
}

func init() {
	runCmd.Flags().String("inventory", "", "cluster and job inventory (yaml)")
	runCmd.Flags().String("db", "", "sqlite database for job records")
	runCmd.Flags().String("listen", "", "address for /health and /metrics")
	runCmd.Flags().Bool("exit-when-done", false, "exit once every job has finished")
	runCmd.Flags().Bool("flush", false, "submit queued jobs without waiting for the batch schedule")
	statusCmd.Flags().String("db", "", "sqlite database for job records")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// stdinPrompter asks for a password on the terminal, once per login.
func stdinPrompter() sshclient.Prompter {
	var mu sync.Mutex
	in := bufio.NewReader(os.Stdin)
	return func(c sshclient.Credentials) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(os.Stderr, "password for %s@%s: ", c.Username, c.Host)
		line, err := in.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("read password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
}

func run(invPath, dbPath, listen string, exitWhenDone, flush bool) error {
	inv, err := inventory.Load(invPath)
	if err != nil {
		return fmt.Errorf("load inventory: %w", err)
	}
	creds, err := inv.Credentials()
	if err != nil {
		return err
	}
	log.Printf("cluster: %s@%s tools=%v jobs=%d", creds.Username, creds.Host, inv.ToolNames(), len(inv.Jobs))

	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	sinks := []slurm.EventSink{events.LogSink{}}
	if addr := getenv("REDIS_ADDR", inv.Redis.Addr); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: getenv("REDIS_PASSWORD", inv.Redis.Password),
			DB:       inv.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping().Err(); err != nil {
			log.Printf("redis %s unreachable, events are only logged: %v", addr, err)
		} else {
			sinks = append(sinks, events.NewRedisSink(client, inv.Redis.Prefix, inv.Redis.MaxEvents))
			log.Printf("publishing events to redis %s", addr)
		}
	}

	dialer := slurm.SSHDialer{
		Config: inv.SSHConfig(sshclient.LoadConfig()),
		Prompt: stdinPrompter(),
	}
	m, err := slurm.NewManager(creds, inv.Options(), dialer, slurm.WithStore(st), slurm.WithSinks(sinks...))
	if err != nil {
		return err
	}

	recovered, err := m.Recover()
	if err != nil {
		log.Printf("recover: %v", err)
	}
	for _, p := range recovered {
		log.Printf("following %s (scheduler job %d)", p.Name(), p.Info().RemoteID)
	}

	for _, req := range inv.Requests() {
		p, err := m.CreateProcess(req)
		if err != nil {
			log.Printf("job %s: %v", req.Name, err)
			continue
		}
		if err := p.Start(); err != nil {
			log.Printf("job %s: start: %v", req.Name, err)
		}
	}
	if flush {
		m.FlushBatch()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx) }()

	r := metrics.NewRenderer(m)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.Write(w)
	})
	srv := &http.Server{
		Addr:    listen,
		Handler: mux,
	}
	go func() {
		log.Printf("slurm-runner listening on %s\n", listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	done := make(chan struct{})
	if exitWhenDone {
		go func() {
			t := time.NewTicker(time.Second)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					if m.Idle() {
						close(done)
						return
					}
				}
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)
wait:
	for {
		select {
		case s := <-sig:
			if s == syscall.SIGUSR1 {
				log.Println("flushing batch")
				m.FlushBatch()
				continue
			}
			log.Println("shutdown...")
			break wait
		case <-done:
			log.Println("all jobs complete")
			break wait
		case err := <-runErr:
			return err
		}
	}

	cancel()
	<-runErr

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	return nil
}
