package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	hfi "github.com/ehrlich-b/go-hfi"
	"github.com/ehrlich-b/go-hfi/backend"
	"github.com/ehrlich-b/go-hfi/internal/config"
	"github.com/ehrlich-b/go-hfi/internal/logging"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hfi-sim",
		Short: "Drive the fabric host core against a simulated NIC",
		Long: `hfi-sim opens two endpoints on an in-memory NIC, connects them and
streams messages between them. A receiver that posts fewer buffers than
the sender has in flight exercises receiver-not-ready flow control.

Settings come from hfi-sim.yaml (., /etc/hfi, $HOME/.hfi), HFI_*
environment variables and the flags below.`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	opts       config.Options
}

func (f *flags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Config file (default: search for hfi-sim.yaml)")
	cmd.Flags().StringVar(&f.opts.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&f.opts.Notifier, "notifier", "", "Event doorbell: auto, chan, eventfd, iouring")
	cmd.Flags().StringVar(&f.opts.MetricsAddr, "metrics", "", "Serve Prometheus metrics on this address")
	cmd.Flags().IntVarP(&f.opts.Messages, "messages", "n", 0, "Number of messages to send")
}

func newRunCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Stream messages between two simulated endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(f.configPath, f.opts)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	f.register(cmd)
	return cmd
}

func newConfigCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(f.configPath, f.opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%+v\n", *cfg)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newLogger(cfg *config.Config) *logging.Logger {
	logConfig := logging.DefaultConfig()
	logConfig.Level = logging.ParseLevel(cfg.LogLevel)
	logConfig.Format = cfg.LogFormat
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)
	return logger
}

func params(cfg *config.Config) hfi.Params {
	qp := cfg.QueuePair
	p := hfi.DefaultParams()
	p.TxSlots = qp.TxSlots
	p.RxSlots = qp.RxSlots
	p.EventSlots = qp.EventSlots
	p.EventWidth = qp.EventWidth
	p.SendBuffers = qp.SendBuffers
	p.RecvBuffers = qp.RecvBuffers
	p.BufferSize = qp.BufferSize
	p.SendDepth = qp.SendDepth
	p.SignalInterval = qp.SignalInterval
	p.PIOThreshold = int(qp.PIOThreshold)
	p.RecvBacklog = int(qp.RecvBuffers)
	p.EnableTimeout = qp.EnableTimeout
	return p
}

func run(parent context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)
	defer logger.Close()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go dumpStacksOnSignal(logger)

	sim := backend.NewSim(backend.SimConfig{
		Notifier: cfg.Notifier,
		Idle:     cfg.Sim.Idle,
		Batch:    cfg.Sim.Batch,
		Logger:   logger,
	})
	defer sim.Close()

	job := hfi.Job{ID: uuid.MustParse(cfg.Job.ID)}
	for _, a := range cfg.Job.Allowed {
		job.Allowed = append(job.Allowed, hfi.Auth{UserID: a.UserID, Rank: a.Rank})
	}
	fabric, err := hfi.NewFabric(sim, job, &hfi.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer fabric.Close()

	if cfg.Metrics.Enabled {
		srv, err := serveMetrics(cfg.Metrics.Listen, fabric, logger)
		if err != nil {
			return err
		}
		defer srv.Close()
	}

	auth := job.Allowed[0]
	p := params(cfg)
	tx, err := fabric.Open(ctx, auth, p)
	if err != nil {
		return err
	}
	defer tx.Close()
	rx, err := fabric.Open(ctx, auth, p)
	if err != nil {
		return err
	}
	defer rx.Close()

	txConn, rxConn, err := fabric.Connect(tx, rx)
	if err != nil {
		return err
	}
	logger.Info("endpoints connected",
		"job", fabric.Job(), "tx_qp", tx.QueuePair(), "rx_qp", rx.QueuePair(),
		"messages", cfg.Traffic.Messages, "message_size", cfg.Traffic.MessageSize)

	runCtx, cancel := context.WithTimeout(ctx, cfg.Traffic.Timeout)
	defer cancel()

	start := time.Now()
	sendErr := make(chan error, 1)
	go func() { sendErr <- sendAll(runCtx, tx, txConn, cfg.Traffic) }()

	if err := receiveAll(runCtx, rx, rxConn, cfg.Traffic); err != nil {
		return err
	}
	if err := <-sendErr; err != nil {
		return err
	}
	elapsed := time.Since(start)

	report(os.Stdout, fabric.MetricsSnapshot(), sim.Stats(), cfg.Traffic.Messages, elapsed)
	if n := logger.Dropped(); n > 0 {
		fmt.Fprintf(os.Stderr, "%d log lines dropped\n", n)
	}
	return nil
}

func message(i, size int) []byte {
	b := make([]byte, size)
	for j := range b {
		b[j] = byte(i + j)
	}
	return b
}

func sendAll(ctx context.Context, tx *hfi.Endpoint, conn uint32, t config.TrafficConfig) error {
	for i := 0; i < t.Messages; i++ {
		if _, err := tx.Send(ctx, conn, message(i, t.MessageSize), uint32(i)); err != nil {
			return fmt.Errorf("send %d: %w", i, err)
		}
	}
	return nil
}

// receiveAll checks every message arrives once and in order, reposting each
// consumed buffer after the configured delay.
func receiveAll(ctx context.Context, rx *hfi.Endpoint, conn uint32, t config.TrafficConfig) error {
	if t.InitialRecv > 0 {
		if _, err := rx.PostRecv(ctx, conn, int(t.InitialRecv)); err != nil {
			return err
		}
	}
	for i := 0; i < t.Messages; i++ {
		m, err := rx.Recv(ctx)
		if err != nil {
			return fmt.Errorf("receive %d: %w", i, err)
		}
		if m.Imm != uint32(i) {
			m.Release()
			return fmt.Errorf("expected message %d, got %d", i, m.Imm)
		}
		m.Release()

		if t.ReplenishDelay > 0 {
			time.Sleep(t.ReplenishDelay)
		}
		if _, err := rx.PostRecv(ctx, conn, 1); err != nil {
			return err
		}
	}
	return nil
}

func serveMetrics(addr string, fabric *hfi.Fabric, logger *logging.Logger) (*http.Server, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(hfi.NewCollector(fabric.Metrics(), prometheus.Labels{"job": fabric.Job().String()})); err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv, nil
}

func report(w *os.File, snap hfi.MetricsSnapshot, sim backend.SimStats, messages int, elapsed time.Duration) {
	fmt.Fprintf(w, "Messages:      %d in %s (%.0f msg/s)\n", messages, elapsed.Round(time.Millisecond),
		float64(messages)/elapsed.Seconds())
	fmt.Fprintf(w, "Commands:      %d submitted, %d slots, %.2f%% would block\n",
		snap.Submissions, snap.SlotsUsed, snap.WouldBlockRate)
	fmt.Fprintf(w, "Events:        %d retired, %d dropped\n", snap.Events, snap.DroppedEvents)
	fmt.Fprintf(w, "Flow control:  %d tx blocked, %d rx blocked, %d replays (%d sends)\n",
		snap.TxBlocked, snap.RxBlocked, snap.Replays, snap.ReplayedSends)
	fmt.Fprintf(w, "Device:        %d delivered, %d refused, %d duplicates\n",
		sim.Delivered, sim.NAKs, sim.Duplicates)
}

// dumpStacksOnSignal writes every goroutine's stack on SIGUSR1.
func dumpStacksOnSignal(logger *logging.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	for range ch {
		buf := make([]byte, 1024*1024)
		n := runtime.Stack(buf, true)
		fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])

		filename := fmt.Sprintf("hfi-stacks-%d.txt", time.Now().Unix())
		f, err := os.Create(filename)
		if err != nil {
			logger.Warn("stack dump file", "error", err)
			continue
		}
		fmt.Fprintf(f, "Goroutine stack dump at %s\n", time.Now().Format(time.RFC3339))
		fmt.Fprintf(f, "Process ID: %d\n\n", os.Getpid())
		f.Write(buf[:n])
		fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
		pprof.Lookup("goroutine").WriteTo(f, 2)
		f.Close()
		logger.Info("stack trace written to file", "file", filename)
	}
}
