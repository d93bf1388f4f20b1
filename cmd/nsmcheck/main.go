// Command nsmcheck runs the conformance suite against a Nitro Secure
// Module style attestation device and reports whether its observable
// behavior matches the specified security contract.
//
// Usage:
//
//	nsmcheck [flags]
//
// Examples:
//
//	# Audit the real device
//	nsmcheck -backend nsm
//
//	# Audit the built-in simulator, JSON report
//	nsmcheck -backend sim -format json
//
//	# Keep a history of runs
//	nsmcheck -backend nsm -history /var/lib/nsmcheck/history.db
//
// Exit codes: 0 on pass, 1 on a conformance violation, 2 on setup or
// usage errors.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"nsmcheck/internal/config"
	"nsmcheck/internal/device"
	"nsmcheck/internal/logging"
	"nsmcheck/internal/report"
	"nsmcheck/internal/runner"
	"nsmcheck/internal/store"
)

var (
	// Version information (set at build time)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (toml, yaml or json)")
	backend := flag.String("backend", "", "device backend: nsm, sim (overrides config)")
	format := flag.String("format", "", "report format: text, json (overrides config)")
	output := flag.String("output", "", "report output file (default: stdout)")
	history := flag.String("history", "", "SQLite run-history path (overrides config)")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	quiet := flag.Bool("quiet", false, "suppress the report, keep only the exit code")
	versionFlag := flag.Bool("version", false, "print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "nsmcheck - attestation device conformance suite\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nBackends:\n")
		fmt.Fprintf(os.Stderr, "  nsm   - the real /dev/nsm device (Linux, inside an enclave)\n")
		fmt.Fprintf(os.Stderr, "  sim   - in-process simulator with contract-conforming behavior\n")
		fmt.Fprintf(os.Stderr, "\nExit codes:\n")
		fmt.Fprintf(os.Stderr, "  0 - device conforms\n")
		fmt.Fprintf(os.Stderr, "  1 - conformance violation found\n")
		fmt.Fprintf(os.Stderr, "  2 - setup or usage error\n")
	}

	flag.Parse()

	if *versionFlag {
		fmt.Printf("nsmcheck %s (commit: %s, built: %s)\n", version, commit, buildTime)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	if *backend != "" {
		cfg.Device.Backend = *backend
	}
	if *format != "" {
		cfg.Report.Format = *format
	}
	if *history != "" {
		cfg.Report.HistoryPath = *history
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	logLevel, _ := logging.ParseLevel(cfg.Logging.Level)
	if *verbose {
		logLevel = logging.LevelDebug
	}
	logFormat, _ := logging.ParseFormat(cfg.Logging.Format)
	log := logging.New(&logging.Config{
		Level:     logLevel,
		Format:    logFormat,
		Output:    "stderr",
		Component: "nsmcheck",
	})
	logging.SetDefault(log)

	dev, err := openDevice(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	opts := runner.Options{
		ExtendRepeat:       cfg.Suite.ExtendRepeat,
		PostLockReadRepeat: cfg.Suite.PostLockReadRepeat,
		RandomSamples:      cfg.Suite.RandomSamples,
		RandomLength:       cfg.Suite.RandomLength,
		AttestationDataLen: cfg.Suite.AttestationDataLen,
	}

	rep, err := runner.New(dev, opts, log).Run(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	if cfg.Report.HistoryPath != "" {
		if err := recordHistory(cfg.Report.HistoryPath, rep); err != nil {
			log.Warn("history record failed", "error", err)
		}
	}

	if !*quiet {
		if err := render(rep, cfg.Report.Format, *output); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 2
		}
	}

	if !rep.Pass {
		return 1
	}
	return 0
}

// openDevice builds the configured device backend.
func openDevice(cfg *config.Config) (device.Device, error) {
	switch cfg.Device.Backend {
	case "nsm":
		return device.OpenNSM()
	case "sim":
		return device.NewSimulator(device.Digest(cfg.Device.SimDigest))
	default:
		return nil, fmt.Errorf("unknown device backend %q", cfg.Device.Backend)
	}
}

// recordHistory appends the run to the SQLite history.
func recordHistory(path string, rep *report.Report) error {
	s, err := store.Open(path)
	if err != nil {
		return err
	}
	defer s.Close()

	_, err = s.Record(rep)
	return err
}

// render writes the report in the requested format to the requested
// destination.
func render(rep *report.Report, format, output string) error {
	var w io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	switch format {
	case "json":
		data, err := rep.JSON()
		if err != nil {
			return err
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return err
		}
		return nil
	default:
		return rep.WriteText(w)
	}
}
