package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"genwatch/internal/channel"
	"genwatch/internal/domain"
	"genwatch/internal/statusclient"
	"genwatch/internal/tracking"
)

// ErrBatchIncomplete is returned when at least one job failed or was
// abandoned before reaching a terminal state.
var ErrBatchIncomplete = errors.New("batch did not complete successfully")

const settleInterval = 50 * time.Millisecond

type trackOptions struct {
	character         string
	placeholderPrefix string
	timeout           time.Duration
	pollInterval      time.Duration
	noPush            bool
	metricsAddr       string
}

type outcome struct {
	replaced  atomic.Int32
	failed    atomic.Int32
	completed atomic.Bool
}

func newTrackCommand(s *session) *cobra.Command {
	var opts trackOptions

	cmd := &cobra.Command{
		Use:   "track <job-id>...",
		Short: "Track one batch of jobs until every job finishes or the batch times out",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runTrack(ctx, s, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.character, "character", "", "Character context attached to completed entities")
	cmd.Flags().StringVar(&opts.placeholderPrefix, "placeholder-prefix", "placeholder-", "Prefix used to derive placeholder ids from job ids")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Batch timeout (defaults to BATCH_TIMEOUT_SECONDS)")
	cmd.Flags().DurationVar(&opts.pollInterval, "poll-interval", 0, "Poll interval (defaults to POLL_INTERVAL_MS)")
	cmd.Flags().BoolVar(&opts.noPush, "no-push", false, "Skip the push stream and poll only")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve tracking metrics on this address while running")

	return cmd
}

func runTrack(ctx context.Context, s *session, opts trackOptions, jobIDs []string) error {
	cfg := *s.cfg
	logger := s.logger

	if opts.timeout > 0 {
		cfg.BatchTimeout = opts.timeout
	}
	if opts.pollInterval > 0 {
		cfg.PollInterval = opts.pollInterval
	}

	reg := prometheus.NewRegistry()
	metrics := tracking.NewMetrics(reg)
	if opts.metricsAddr != "" {
		srv := &http.Server{
			Addr:              opts.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", opts.metricsAddr).Msg("metrics server failed")
			}
		}()
		defer srv.Close()
	}

	status, err := statusclient.New(statusclient.Options{
		BaseURL:       cfg.StatusBaseURL,
		RatePerSecond: cfg.StatusRatePerSecond,
		Burst:         cfg.PollConcurrency,
		Logger:        &logger,
	})
	if err != nil {
		return fmt.Errorf("status client: %w", err)
	}

	poll := tracking.NewPollTransport(status, tracking.PollOptions{
		Interval:    cfg.PollInterval,
		Concurrency: cfg.PollConcurrency,
		Logger:      &logger,
		Metrics:     metrics,
	})

	var (
		push     tracking.Transport
		liveness tracking.Connectivity
	)
	if !opts.noPush {
		stream := channel.New(channel.Options{URL: cfg.StreamURL, Logger: &logger})
		stream.Start(ctx)
		defer stream.Close()

		waitCtx, cancel := context.WithTimeout(ctx, cfg.StreamDialWait)
		if !stream.WaitConnected(waitCtx) {
			logger.Warn().Str("url", cfg.StreamURL).Msg("push stream unavailable, polling")
		}
		cancel()

		push = tracking.NewPushTransport(stream, tracking.PushOptions{Logger: &logger})
		liveness = stream
	}

	var (
		res      outcome
		doneOnce sync.Once
		done     = make(chan struct{})
	)
	engine := tracking.New(tracking.Options{
		Coordinator: tracking.NewCoordinator(push, poll, liveness),
		Estimator: tracking.Estimator{
			QueueBudget:      cfg.QueueBudget,
			ProcessingBudget: cfg.ProcessingBudget,
		},
		BatchTimeout: cfg.BatchTimeout,
		Logger:       &logger,
		Metrics:      metrics,
		Callbacks: tracking.Callbacks{
			OnProgress: func(placeholderID string, progress int) {
				logger.Info().Str("placeholder", placeholderID).Int("progress", progress).Msg("job progress")
			},
			OnReplace: func(placeholderID string, entity domain.FinalEntity) {
				res.replaced.Add(1)
				logger.Info().
					Str("placeholder", placeholderID).
					Str("job_id", entity.JobID).
					Str("url", entity.URL).
					Int("images", len(entity.Images)).
					Msg("job completed")
			},
			OnFail: func(placeholderID string) {
				res.failed.Add(1)
				logger.Warn().Str("placeholder", placeholderID).Msg("job failed")
			},
			OnBatchComplete: func() {
				res.completed.Store(true)
				doneOnce.Do(func() { close(done) })
			},
		},
	})
	defer engine.Close()

	metas := make(map[string]domain.PlaceholderMeta, len(jobIDs))
	for _, id := range jobIDs {
		metas[id] = domain.PlaceholderMeta{PlaceholderID: opts.placeholderPrefix + id}
	}
	engine.Track(ctx, jobIDs, opts.character, metas)

	// Terminal callbacks run after the registry entry is gone, so an empty
	// engine is only trusted once it has been observed on two ticks.
	ticker := time.NewTicker(settleInterval)
	defer ticker.Stop()
	idle := false
wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-done:
			done = nil
		case <-ticker.C:
		}
		if int(res.replaced.Load()+res.failed.Load()) == len(metas) {
			break wait
		}
		if engine.Pending() == 0 {
			if idle {
				break wait
			}
			idle = true
		}
	}

	replaced := int(res.replaced.Load())
	failed := int(res.failed.Load())
	abandoned := len(metas) - replaced - failed
	event := logger.Info()
	if failed > 0 || abandoned > 0 {
		event = logger.Warn()
	}
	event.
		Int("completed", replaced).
		Int("failed", failed).
		Int("abandoned", abandoned).
		Bool("batch_complete", res.completed.Load()).
		Msg("batch finished")

	if failed > 0 || abandoned > 0 {
		return ErrBatchIncomplete
	}
	return nil
}
