// Command sshguardd tails service logs, recognizes brute-force and
// scanning patterns, and blocks offending addresses via a pluggable
// firewall backend.
//
// Startup sequence:
//  1. Parse CLI (-v/-h short-circuit before anything else).
//  2. Load the YAML defaults layer, overlay CLI options, validate.
//  3. Build the structured logger.
//  4. Construct whitelist, process authenticator, resolver, grammar
//     parser, log-source multiplexer, firewall backend, offender engine.
//  5. Open the audit ledger and operator socket (best-effort).
//  6. Hand everything to a supervisor.Supervisor and block on SIGINT/
//     SIGTERM (termination) or SIGTSTP/SIGCONT (suspend/resume).
//
// Exit codes: 0 normal, 1 startup failure, 2 thread spawn failure.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/go-sshguard/sshguardd/internal/config"
	"github.com/go-sshguard/sshguardd/internal/firewall"
	"github.com/go-sshguard/sshguardd/internal/grammar"
	"github.com/go-sshguard/sshguardd/internal/logging"
	"github.com/go-sshguard/sshguardd/internal/observability"
	"github.com/go-sshguard/sshguardd/internal/offender"
	"github.com/go-sshguard/sshguardd/internal/operator"
	"github.com/go-sshguard/sshguardd/internal/procauth"
	"github.com/go-sshguard/sshguardd/internal/ratelimit"
	"github.com/go-sshguard/sshguardd/internal/resolve"
	"github.com/go-sshguard/sshguardd/internal/storage"
	"github.com/go-sshguard/sshguardd/internal/supervisor"
	"github.com/go-sshguard/sshguardd/internal/tail"
	"github.com/go-sshguard/sshguardd/internal/whitelist"
)

const version = "1.0.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	// The logger is built before anything else, including CLI parsing, so
	// that a bad-options failure (§7) still reaches syslog and not just
	// stderr — mirroring sshguard_log_init() running ahead of
	// get_options_cmdline() in the original daemon.
	log, err := logging.Build(logging.HasControllingTTY())
	if err != nil {
		fmt.Fprintf(os.Stderr, "sshguardd: logger init failed: %v\n", err)
		return 1
	}
	defer log.Sync() //nolint:errcheck

	opts, err := config.ParseCLI(argv)
	if err != nil {
		if flags.WroteHelp(err) {
			return 0
		}
		log.Error("sshguardd: invalid command-line options", zap.Error(err))
		return 1
	}
	if opts.Version {
		fmt.Fprintf(os.Stderr, "sshguardd %s\n", version)
		return 0
	}

	cfg, err := config.Load("")
	if err != nil {
		log.Error("sshguardd: config load failed", zap.Error(err))
		return 1
	}
	if err := config.ApplyCLI(&cfg, opts); err != nil {
		log.Error("sshguardd: invalid configuration", zap.Error(err))
		return 1
	}
	if err := config.Validate(&cfg); err != nil {
		log.Error("sshguardd: invalid configuration", zap.Error(err))
		return 1
	}

	log.Info("sshguardd starting",
		zap.String("version", version),
		zap.Int("sources", len(cfg.Sources)),
		zap.Int("abuse_threshold", cfg.AbuseThreshold),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver := resolve.New()

	wl := whitelist.New(log)
	for _, arg := range cfg.Whitelist {
		wl.AddArg(ctx, arg, resolver)
	}

	auth := procauth.New(log)
	for service, pidfile := range cfg.ServicePidfiles {
		auth.Register(service, pidfile)
	}

	parser := grammar.New(log, resolver, auth)

	mux := tail.New(log)
	for _, src := range cfg.Sources {
		if _, err := mux.AddSource(src); err != nil {
			log.Error("sshguardd: cannot add log source", zap.String("source", src), zap.Error(err))
			return 1
		}
	}

	metrics := observability.NewMetrics()

	fw, err := buildFirewall(cfg.Firewall, log, metrics)
	if err != nil {
		log.Error("sshguardd: firewall backend init failed", zap.Error(err))
		return 1
	}

	engine := offender.New(log, wl, fw, offender.Config{
		AbuseThreshold:     cfg.AbuseThreshold,
		PardonThreshold:    cfg.PardonThreshold,
		StaleThreshold:     cfg.StaleThreshold,
		BlacklistThreshold: cfg.BlacklistThreshold,
		BlacklistFile:      cfg.BlacklistFile,
	}, rand.Intn)
	engine.SetMetrics(metrics)

	var ledger *storage.DB
	if db, err := storage.Open(storage.DefaultDBPath, storage.DefaultRetentionDays); err != nil {
		log.Warn("sshguardd: audit ledger unavailable, continuing without it", zap.Error(err))
	} else {
		ledger = db
		ledger.SetMetrics(metrics)
		engine.SetLedger(ledger)
		if n, err := ledger.PruneOld(); err != nil {
			log.Warn("sshguardd: ledger pruning failed", zap.Error(err))
		} else if n > 0 {
			log.Info("sshguardd: pruned stale ledger entries", zap.Int("count", n))
		}
	}
	if ledger != nil {
		defer ledger.Close() //nolint:errcheck
	}

	var opSrv *operator.Server
	reload := func(ctx context.Context) error {
		newWl := whitelist.New(log)
		for _, arg := range cfg.Whitelist {
			newWl.AddArg(ctx, arg, resolver)
		}
		wl.ReplaceFrom(newWl)
		return nil
	}
	opSrv = operator.NewServer("/run/sshguardd/operator.sock", engine, reload, log)

	sup := supervisor.New(log, mux, parser, engine, fw, supervisor.Config{
		Metrics:     metrics,
		OperatorSrv: opSrv,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGTSTP, syscall.SIGCONT)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGTSTP:
				log.Info("sshguardd: suspend signal received")
				engine.Suspend()
			case syscall.SIGCONT:
				log.Info("sshguardd: resume signal received")
				engine.Resume()
			default:
				log.Info("sshguardd: termination signal received", zap.String("signal", sig.String()))
				cancel()
				return
			}
		}
	}()

	if err := sup.Run(ctx); err != nil {
		log.Error("sshguardd: supervisor exited with error", zap.Error(err))
		return 1
	}
	return 0
}

func buildFirewall(cfg config.FirewallConfig, log *zap.Logger, metrics *observability.Metrics) (firewall.Backend, error) {
	switch cfg.Backend {
	case "command":
		limiter := ratelimit.New(20, time.Second)
		limiter.SetObservers(
			func(remaining float64) { metrics.RateLimitTokensRemaining.Set(remaining) },
			func() { metrics.RateLimitRejectedTotal.Inc() },
		)
		return firewall.NewCommandBackend(firewall.CommandConfig{
			InitCmd:     cfg.InitCmd,
			FinalizeCmd: cfg.FinalizeCmd,
			BlockCmd:    cfg.BlockCmd,
			ReleaseCmd:  cfg.ReleaseCmd,
			FlushCmd:    cfg.FlushCmd,
		}, log, limiter), nil
	case "ebpf":
		return firewall.NewEBPFBackend(cfg.EBPFPinPath, log), nil
	case "", "null":
		return firewall.NullBackend{}, nil
	default:
		return nil, fmt.Errorf("unknown firewall backend %q", cfg.Backend)
	}
}
