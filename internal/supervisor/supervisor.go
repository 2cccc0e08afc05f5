// Package supervisor wires the multiplexer, grammar parser, and offender
// engine into the single-threaded main reader of §5, and owns the signal
// dispatcher, release scheduler, and graceful shutdown finalizer.
//
// Grounded in the teacher's cmd/octoreflex/main.go lifecycle shape (root
// context with cancellation, a goroutine per long-running subsystem, a
// blocking signal wait, then an explicit shutdown sequence) generalized
// from a single flat main() into a reusable Supervisor so cmd/sshguardd
// stays a thin entrypoint.
package supervisor

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/go-sshguard/sshguardd/internal/firewall"
	"github.com/go-sshguard/sshguardd/internal/grammar"
	"github.com/go-sshguard/sshguardd/internal/observability"
	"github.com/go-sshguard/sshguardd/internal/offender"
	"github.com/go-sshguard/sshguardd/internal/operator"
	"github.com/go-sshguard/sshguardd/internal/tail"
)

// Supervisor owns the main reader loop (§5's "main reader" task), the
// release scheduler goroutine, the operator socket, the metrics server,
// and signal handling. Exactly one Supervisor runs per process.
type Supervisor struct {
	log     *zap.Logger
	mux     *tail.Multiplexer
	parser  *grammar.Parser
	engine  *offender.Engine
	fw      firewall.Backend
	metrics *observability.Metrics
	opSrv   *operator.Server

	pidfilePath string
}

// Config carries the wiring the supervisor needs beyond what's already
// bound into mux/parser/engine.
type Config struct {
	Metrics     *observability.Metrics
	OperatorSrv *operator.Server // nil disables the operator socket
	PidfilePath string           // empty: no pidfile to remove on shutdown
}

// New constructs a Supervisor from already-built subsystems.
func New(log *zap.Logger, mux *tail.Multiplexer, parser *grammar.Parser, engine *offender.Engine, fw firewall.Backend, cfg Config) *Supervisor {
	return &Supervisor{
		log:         log,
		mux:         mux,
		parser:      parser,
		engine:      engine,
		fw:          fw,
		metrics:     cfg.Metrics,
		opSrv:       cfg.OperatorSrv,
		pidfilePath: cfg.PidfilePath,
	}
}

// Run starts every background subsystem (release scheduler, operator
// socket, metrics server) and then executes the main reader loop until
// ctx is cancelled. It always runs the shutdown finalizer before
// returning, per §5's cancellation contract.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.fw.Init(ctx); err != nil {
		return fmt.Errorf("supervisor: firewall init: %w", err)
	}

	if err := s.engine.StartupReblock(ctx); err != nil {
		s.log.Error("supervisor: startup reblock failed", zap.Error(err))
	}

	go s.engine.RunReleaseScheduler(ctx)

	if s.metrics != nil {
		go func() {
			if err := s.metrics.ServeMetrics(ctx, "127.0.0.1:9091"); err != nil {
				s.log.Error("supervisor: metrics server error", zap.Error(err))
			}
		}()
	}

	if s.opSrv != nil {
		go func() {
			if err := s.opSrv.ListenAndServe(ctx); err != nil {
				s.log.Error("supervisor: operator socket error", zap.Error(err))
			}
		}()
	}

	s.log.Info("supervisor: entering main reader loop")
	s.mainReaderLoop(ctx)

	s.finalize(ctx)
	return nil
}

// mainReaderLoop is the single-threaded "main reader" task of §5: reads
// one line at a time, discards it while suspended, otherwise drives it
// through the parser and the offender engine.
func (s *Supervisor) mainReaderLoop(ctx context.Context) {
	stickToPrevious := false
	for {
		line, err := s.mux.NextLine(ctx, stickToPrevious)
		if err != nil {
			if err == tail.ErrClosed || ctx.Err() != nil {
				return
			}
			s.log.Error("supervisor: tail read error", zap.Error(err))
			stickToPrevious = false
			continue
		}
		stickToPrevious = true

		if s.metrics != nil {
			s.metrics.LinesTailedTotal.Inc()
		}

		if s.engine.Suspended() {
			continue
		}

		atk, ok := s.parser.Parse(ctx, line.Text, line.Src)
		if !ok {
			if s.metrics != nil {
				s.metrics.LinesDroppedTotal.WithLabelValues("unrecognized").Inc()
			}
			continue
		}
		if s.metrics != nil {
			s.metrics.LinesParsedTotal.WithLabelValues(atk.Service.String()).Inc()
			s.metrics.AttacksRecognizedTotal.WithLabelValues(atk.Service.String(), atk.Kind).Inc()
			s.metrics.AttackDangerHistogram.Observe(float64(atk.Danger))
		}

		if _, err := s.engine.HandleAttack(ctx, atk); err != nil {
			s.log.Error("supervisor: handle attack failed", zap.Error(err))
			if s.metrics != nil {
				s.metrics.FirewallErrorsTotal.WithLabelValues("block").Inc()
			}
		}
		if s.metrics != nil {
			s.metrics.LimboSize.Set(float64(s.engine.LimboLen()))
			s.metrics.HellSize.Set(float64(s.engine.HellLen()))
			s.metrics.OffendersTotal.Set(float64(len(s.engine.Offenders())))
		}
	}
}

// finalize runs §5's termination finalizer: flush firewall rules, close
// sources, close the logger, remove the pidfile. No attempt is made to
// drain in-flight lines.
func (s *Supervisor) finalize(ctx context.Context) {
	s.log.Info("supervisor: shutting down")

	var teardownErr error

	if res, err := s.fw.FlushAll(ctx); err != nil {
		teardownErr = multierr.Append(teardownErr, fmt.Errorf("firewall flush: %w", err))
	} else if res == firewall.Unsupported {
		s.log.Debug("supervisor: firewall backend does not support flush-all")
	}
	teardownErr = multierr.Append(teardownErr, s.fw.Finalize(ctx))
	teardownErr = multierr.Append(teardownErr, s.mux.Close())

	if s.pidfilePath != "" {
		if err := os.Remove(s.pidfilePath); err != nil && !os.IsNotExist(err) {
			teardownErr = multierr.Append(teardownErr, fmt.Errorf("remove pidfile %s: %w", s.pidfilePath, err))
		}
	}

	if teardownErr != nil {
		s.log.Error("supervisor: shutdown completed with errors", zap.Error(teardownErr))
	} else {
		s.log.Info("supervisor: shutdown complete")
	}
	_ = s.log.Sync()
}
