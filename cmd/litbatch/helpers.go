package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/joss/litbatch/internal/backup"
	"github.com/joss/litbatch/internal/history"
	"github.com/joss/litbatch/internal/logging"
	"github.com/joss/litbatch/internal/merge"
	"github.com/joss/litbatch/internal/metrics"
	"github.com/joss/litbatch/internal/orchestrator"
	"github.com/joss/litbatch/internal/processor"
	"github.com/joss/litbatch/internal/render"
	"github.com/joss/litbatch/internal/session"
)

var cliLog = logging.New("cli")

// fatal logs err, prints it to stderr and exits 1.
func fatal(event string, err error) {
	cliLog.Error(event, nil, err)
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	logging.Sync()
	os.Exit(1)
}

// exitOnError calls fatal when err is non-nil.
func exitOnError(event string, err error) {
	if err != nil {
		fatal(event, err)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func openStore() *session.Store {
	store, err := session.NewStore(cfg.SessionsDir)
	exitOnError("store_open_failed", err)
	return store
}

// loadSession resolves "latest" or an id and loads the checkpoint.
func loadSession(store *session.Store, args []string) *session.Session {
	arg := ""
	if len(args) > 0 {
		arg = args[0]
	}
	id, err := store.Resolve(arg)
	exitOnError("session_resolve_failed", err)
	sess, err := store.Load(id)
	exitOnError("session_load_failed", err)
	return sess
}

func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// confirm asks a yes/no question on the terminal. Non-interactive sessions
// always get false.
func confirm(prompt string) bool {
	if !isInteractive() {
		return false
	}
	fmt.Printf("%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// openHistory returns nil when history is disabled or unavailable.
func openHistory() *history.Store {
	if !cfg.History.Enabled {
		return nil
	}
	h, err := history.Open(cfg.History.Path)
	if err != nil {
		cliLog.Warn("history_unavailable", map[string]interface{}{"path": cfg.History.Path}, err)
		return nil
	}
	return h
}

// startMetrics serves metrics when metrics_addr is set and returns a stop func.
func startMetrics() func() {
	if cfg.MetricsAddr == "" {
		return func() {}
	}
	srv := metrics.NewServer(cfg.MetricsAddr, metrics.Global())
	if err := srv.Start(); err != nil {
		cliLog.Warn("metrics_server_failed", map[string]interface{}{"addr": cfg.MetricsAddr}, err)
		return func() {}
	}
	cliLog.Info("metrics_server_started", map[string]interface{}{"addr": srv.Addr()})
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
	}
}

// workerFunc picks the shard worker from config.
func workerFunc(dryRun bool) orchestrator.ProcessShardFunc {
	if dryRun {
		return processor.Echo
	}
	if strings.TrimSpace(cfg.Processor.Command) == "" {
		fatal("processor_missing", errors.New("processor.command is not configured (use --dry-run to test sharding)"))
	}
	p, err := processor.NewCommandProcessor(processor.Options{
		Command:         cfg.Processor.Command,
		ItemTimeout:     cfg.Processor.ItemTimeout,
		FailOnItemError: cfg.Processor.FailOnItemError,
		Env:             cfg.Processor.Env,
	})
	exitOnError("processor_invalid", err)
	return p.Process
}

func newPool(store *session.Store, fn orchestrator.ProcessShardFunc, concurrency int) *orchestrator.Pool {
	return orchestrator.NewPool(store, fn, orchestrator.Options{
		Concurrency: concurrency,
		LaunchDelay: cfg.LaunchDelay,
		GracePeriod: cfg.GracePeriod,
	})
}

// observe attaches the progress reporter and history recorder to pool for
// the duration of run, which executes at most shards shards.
func observe(ctx context.Context, pool *orchestrator.Pool, hist *history.Store, quiet bool, shards int, run func() (*session.Session, error)) (*session.Session, error) {
	var wg sync.WaitGroup
	var unsubs []func()

	if !quiet {
		events, unsub := pool.Events().Subscribe(64)
		unsubs = append(unsubs, unsub)
		reporter := orchestrator.NewReporter(os.Stdout, cfg.UpdateInterval, render.ProgressRender)
		wg.Add(1)
		logging.SafeGo("reporter", func() {
			defer wg.Done()
			reporter.Run(ctx, events, pool.Snapshot)
		})
	}

	if hist != nil {
		events, unsub := pool.Events().Subscribe(orchestrator.EventBuffer(shards))
		unsubs = append(unsubs, unsub)
		wg.Add(1)
		logging.SafeGo("history", func() {
			defer wg.Done()
			hist.Record(context.WithoutCancel(ctx), events)
		})
	}

	sess, err := run()
	for _, unsub := range unsubs {
		unsub()
	}
	wg.Wait()
	return sess, err
}

// finishRun reports the outcome of start or resume and merges unless told
// not to. Interrupted runs exit 1 with a resume hint.
func finishRun(ctx context.Context, store *session.Store, sess *session.Session, err error, noMerge bool) {
	out := render.NewSessions(render.Stdout())

	if errors.Is(err, orchestrator.ErrInterrupted) {
		counts := sess.Counts()
		out.Line()
		out.Warn("interrupted: %d of %d shards completed", counts[session.ShardCompleted], len(sess.Shards))
		out.Println("Resume with: litbatch resume %s", sess.ID)
		logging.Sync()
		os.Exit(1)
	}
	exitOnError("run_failed", err)

	out.Line()
	out.Detail(sess, orchestrator.ComputeProgress(sess, time.Now()))
	if noMerge {
		out.Line()
		out.Println("Merge with: litbatch merge %s", sess.ID)
		return
	}

	out.Line()
	manifest, err := mergeSession(ctx, store, sess, cfg.Output.Path, cfg.Output.Backup)
	exitOnError("merge_failed", err)
	out.Manifest(manifest)

	if cfg.Cleanup.AfterMerge && manifest.Complete() {
		res, err := orchestrator.Cleanup(store, sess.ID, cfg.Cleanup.KeepResults)
		if err != nil {
			cliLog.WithSession(sess.ID).Warn("cleanup_failed", nil, err)
			return
		}
		out.Println("Cleaned up %s", res.SessionID)
	}
}

func mergeSession(ctx context.Context, store *session.Store, sess *session.Session, output string, withBackup bool) (*merge.Manifest, error) {
	opts := merge.Options{
		OutputPath:     output,
		CheckpointPath: store.Path(sess.ID),
	}
	if withBackup {
		opts.Backup = backup.NewManager(cfg.Output.BackupDir)
	}
	return merge.New().Merge(ctx, sess, opts)
}
