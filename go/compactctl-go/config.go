package main

import (
	"fmt"

	"github.com/quantlab/compactor/go/journal"
	"github.com/quantlab/compactor/go/merge"
	"github.com/quantlab/compactor/go/quality"
	"github.com/quantlab/compactor/go/runner"
	"github.com/quantlab/compactor/go/store"
	"github.com/quantlab/compactor/go/worker"
	log "github.com/sirupsen/logrus"
)

// LogConfig configures handling of application log events.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
}

func initLog(cfg LogConfig) {
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else if cfg.Format == "text" {
		log.SetFormatter(&log.TextFormatter{})
	} else if cfg.Format == "color" {
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	}

	if lvl, err := log.ParseLevel(cfg.Level); err != nil {
		log.WithField("err", err).Fatal("unrecognized log level")
	} else {
		log.SetLevel(lvl)
	}
}

// baseConfig is shared by every command: logging plus the two stores.
type baseConfig struct {
	Log     LogConfig    `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Raw     store.Config `group:"Raw store" namespace:"raw" env-namespace:"RAW"`
	Compact store.Config `group:"Compact store" namespace:"compact" env-namespace:"COMPACT"`
}

// compactConfig fills unset compact-store fields from the raw store, so
// deployments with a single endpoint configure it once.
func (cfg *baseConfig) compactConfig() store.Config {
	var out = cfg.Compact
	if out.Endpoint == "" {
		out.Endpoint = cfg.Raw.Endpoint
		out.Secure = cfg.Raw.Secure
	}
	if out.AccessKey == "" && out.SecretKey == "" {
		out.AccessKey = cfg.Raw.AccessKey
		out.SecretKey = cfg.Raw.SecretKey
	}
	return out
}

// runConfig adds the knobs of modes that actually compact partitions.
type runConfig struct {
	baseConfig

	Parallel    int      `long:"parallel" default:"4" description:"Concurrent partition workers"`
	Exchanges   []string `long:"exchanges" description:"Restrict to these exchanges"`
	Streams     []string `long:"streams" description:"Restrict to these streams"`
	Symbols     []string `long:"symbols" description:"Restrict to these symbols"`
	SymbolsFile string   `long:"symbols-file" description:"Read additional symbols, one per line"`

	MaxPartitionsPerDay int `long:"max-partitions-per-day" description:"Cap partitions taken per date"`
	MaxSymbols          int `long:"max-symbols" description:"Cap distinct symbols per date"`
	MaxDays             int `long:"max-days" description:"Cap dates per run"`

	Overwrite       bool `long:"overwrite" description:"Re-run successful and quarantined partitions"`
	RetryQuarantine bool `long:"retry-quarantine" description:"Re-run quarantined partitions"`

	WorkDir          string `long:"work-dir" env:"WORK_DIR" description:"Scratch directory (default: system temp)"`
	DownloadFanOut   int    `long:"download-fan-out" default:"50" description:"Concurrent downloads per partition"`
	BatchSize        int    `long:"batch-size" default:"100000" description:"Rows decoded per input batch"`
	OutputBufferSize int    `long:"output-buffer-size" default:"200000" description:"Rows per output row group"`
	MaxOpenFiles     int    `long:"max-open-files" default:"1200" description:"Open inputs before going hierarchical"`
}

// buildRunner dials the stores, installs signal handling, and wires a
// Runner whose worker factory gives each goroutine its own clients.
func (cfg *runConfig) buildRunner(stateKey string) (*runner.Runner, error) {
	initLog(cfg.Log)

	raw, err := store.Dial(cfg.Raw)
	if err != nil {
		return nil, fmt.Errorf("raw store: %w", err)
	}
	var compactCfg = cfg.compactConfig()
	compact, err := store.Dial(compactCfg)
	if err != nil {
		return nil, fmt.Errorf("compact store: %w", err)
	}

	var symbols = cfg.Symbols
	if cfg.SymbolsFile != "" {
		fromFile, err := runner.LoadSymbolsFile(cfg.SymbolsFile)
		if err != nil {
			return nil, err
		}
		symbols = append(symbols, fromFile...)
	}

	var shutdown = runner.NewShutdown()
	shutdown.Install()

	var r = &runner.Runner{
		Raw:      raw,
		Compact:  compact,
		Journal:  journal.New(compact, stateKey),
		Parallel: cfg.Parallel,
		Filters: runner.Filters{
			Exchanges: cfg.Exchanges,
			Streams:   cfg.Streams,
			Symbols:   symbols,
		},
		Limits: runner.Limits{
			MaxPartitionsPerDay: cfg.MaxPartitionsPerDay,
			MaxSymbols:          cfg.MaxSymbols,
			MaxDays:             cfg.MaxDays,
		},
		Shutdown:  shutdown,
		Overwrite: cfg.Overwrite,
	}
	r.NewWorker = func() *worker.Worker {
		// Store clients are never shared across goroutines; the configs
		// were validated by the dials above, so these cannot fail.
		wRaw, err := store.Dial(cfg.Raw)
		if err != nil {
			log.WithField("err", err).Fatal("dialing raw store")
		}
		wCompact, err := store.Dial(compactCfg)
		if err != nil {
			log.WithField("err", err).Fatal("dialing compact store")
		}
		var j = journal.New(wCompact, stateKey)
		return &worker.Worker{
			Raw:            wRaw,
			Compact:        wCompact,
			Journal:        j,
			Locks:          journal.NewLockManager(wCompact, j),
			Quality:        quality.NewEvaluator(wRaw),
			WorkDir:        cfg.WorkDir,
			DownloadFanOut: cfg.DownloadFanOut,
			Merge: merge.Config{
				BatchSize:        cfg.BatchSize,
				OutputBufferSize: cfg.OutputBufferSize,
				MaxOpenFiles:     cfg.MaxOpenFiles,
			},
			Overwrite:       cfg.Overwrite,
			RetryQuarantine: cfg.RetryQuarantine,
			CheckShutdown:   shutdown.Requested,
		}
	}
	return r, nil
}

// buildBaseRunner wires a Runner for modes that never run workers
// (cleanup, wipe, quality-report, verify).
func (cfg *baseConfig) buildBaseRunner(stateKey string) (*runner.Runner, error) {
	initLog(cfg.Log)

	raw, err := store.Dial(cfg.Raw)
	if err != nil {
		return nil, fmt.Errorf("raw store: %w", err)
	}
	compact, err := store.Dial(cfg.compactConfig())
	if err != nil {
		return nil, fmt.Errorf("compact store: %w", err)
	}

	var shutdown = runner.NewShutdown()
	shutdown.Install()

	return &runner.Runner{
		Raw:      raw,
		Compact:  compact,
		Journal:  journal.New(compact, stateKey),
		Shutdown: shutdown,
	}, nil
}
