package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/tracefold/tracefold/cmd/logs"
	"github.com/tracefold/tracefold/config"
	"github.com/tracefold/tracefold/eventstore"
	"github.com/tracefold/tracefold/httpapi"
	"github.com/tracefold/tracefold/jobs"
	"github.com/tracefold/tracefold/logging"
	"github.com/tracefold/tracefold/provider"
	"github.com/tracefold/tracefold/telemetry"
	"github.com/tracefold/tracefold/version"
)

const apiVersion = "v1"

var (
	configPath  string
	verbose     bool
	showVersion bool
)

func main() {
	flag.StringVar(&configPath, "config", config.DefaultPath(), "Path to the YAML configuration file")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug logging output")
	flag.BoolVar(&showVersion, "version", false, "Print version information and exit")
	flag.Usage = printMainUsage
	flag.Parse()

	if showVersion {
		fmt.Printf("tracefold version: %s\n", version.Version)
		if version.Commit != "" {
			fmt.Printf("Commit: %s\n", version.Commit)
		}
		if version.Date != "" {
			fmt.Printf("Build Date: %s\n", version.Date)
		}
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		printMainUsage()
		os.Exit(2)
	}

	switch args[0] {
	case "serve":
		runServe()
	case "logs":
		runLogs(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printMainUsage()
		os.Exit(2)
	}
}

func runServe() {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if verbose {
		cfg.Logging.Debug = true
	}
	if err := logging.Init(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logging: %v\n", err)
		os.Exit(1)
	}
	log := logging.With("main")

	telemetry.Init()
	defer telemetry.Shutdown()

	store, err := eventstore.Open(cfg.DBPath, eventstore.Options{
		MaxPayloadLen: cfg.MaxPayloadLen,
		ServerName:    cfg.ServerName,
		APIVersion:    apiVersion,
	})
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open trail database")
	}
	defer store.Close()

	p, err := provider.New(cfg.Provider)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build provider")
	}
	store.SetLLMInfo(p.Name(), p.Model())

	runner := jobs.New(store, jobs.Options{
		Workers:   cfg.Jobs.Workers,
		QueueSize: cfg.Jobs.QueueSize,
	})

	server := httpapi.New(store, runner, p, httpapi.Options{
		Addr:            cfg.ListenAddr,
		Version:         version.Version,
		RedactedHeaders: cfg.RedactedHeaders,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, statErr := os.Stat(configPath); statErr == nil {
		watcher, werr := config.NewWatcher(configPath, cfg.Provider, func(pc provider.Config) {
			newProvider, perr := provider.New(pc)
			if perr != nil {
				log.Error().Err(perr).Msg("reloaded provider config is unusable, keeping current provider")
				return
			}
			server.SetProvider(newProvider)
			store.SetLLMInfo(newProvider.Name(), newProvider.Model())
		})
		if werr != nil {
			log.Warn().Err(werr).Msg("config hot-reload unavailable")
		} else {
			go func() {
				if err := watcher.Run(ctx); err != nil {
					log.Warn().Err(err).Msg("config watcher stopped")
				}
			}()
		}
	}

	telemetry.TrackEvent("server_started", map[string]any{
		"provider": p.Name(),
	})
	log.Info().
		Str("addr", cfg.ListenAddr).
		Str("provider", p.Name()).
		Str("model", p.Model()).
		Str("db", cfg.DBPath).
		Msg("starting gateway")

	start := time.Now()
	if err := server.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
	log.Info().Dur("uptime", time.Since(start)).Msg("gateway stopped")
}

func runLogs(args []string) {
	if len(args) == 0 {
		printLogsUsage()
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	switch args[0] {
	case "show":
		showCmd := flag.NewFlagSet("logs show", flag.ExitOnError)
		limit := showCmd.Int("limit", 20, "Maximum number of requests to display")
		errorsOnly := showCmd.Bool("errors", false, "Show only failed requests")
		method := showCmd.String("method", "", "Filter by HTTP method")
		search := showCmd.String("search", "", "Substring match on id, URL, and bodies")
		showCmd.Parse(args[1:])

		err = logs.HandleShowCommand(logs.ShowOptions{
			DBPath:     cfg.DBPath,
			Limit:      *limit,
			ErrorsOnly: *errorsOnly,
			Method:     *method,
			Search:     *search,
		})
	case "detail":
		detailCmd := flag.NewFlagSet("logs detail", flag.ExitOnError)
		detailCmd.Parse(args[1:])
		if detailCmd.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "Usage: tracefold logs detail <request-id>")
			os.Exit(2)
		}
		err = logs.HandleDetailCommand(cfg.DBPath, detailCmd.Arg(0))
	case "clear":
		clearCmd := flag.NewFlagSet("logs clear", flag.ExitOnError)
		force := clearCmd.Bool("force", false, "Skip the confirmation prompt")
		clearCmd.Parse(args[1:])
		err = logs.HandleClearCommand(cfg.DBPath, *force)
	default:
		fmt.Fprintf(os.Stderr, "Unknown logs subcommand: %s\n\n", args[0])
		printLogsUsage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printMainUsage() {
	header := color.New(color.FgYellow, color.Bold)
	commandStyle := color.New(color.FgCyan)

	w := tabwriter.NewWriter(os.Stderr, 0, 0, 2, ' ', 0)
	header.Fprintf(w, "Usage: %s [flags] <command>\n\n", os.Args[0])
	fmt.Fprintln(w, "tracefold is a local LLM gateway that records every request, job, and")
	fmt.Fprintln(w, "instrumented action into a queryable SQLite trail.")
	fmt.Fprintln(w)

	header.Fprintln(w, "Available Commands:")
	fmt.Fprintf(w, "  %s\tRun the HTTP gateway.\n", commandStyle.Sprint("serve"))
	fmt.Fprintf(w, "  %s\tInspect or clear recorded trails. Use 'tracefold logs <subcommand>'.\n", commandStyle.Sprint("logs"))
	fmt.Fprintln(w)

	header.Fprintln(w, "Global Flags:")
	fmt.Fprintf(w, "  %s\tPath to the YAML configuration file\n", commandStyle.Sprint("-config"))
	fmt.Fprintf(w, "  %s\tEnable debug logging output\n", commandStyle.Sprint("-verbose"))
	fmt.Fprintf(w, "  %s\tPrint version information and exit\n", commandStyle.Sprint("-version"))
	w.Flush()
}

func printLogsUsage() {
	fmt.Fprintln(os.Stderr, "Available subcommands for logs:")
	fmt.Fprintln(os.Stderr, "  show\tDisplay recent recorded requests.")
	fmt.Fprintln(os.Stderr, "  detail\tDisplay one request with its actions and jobs.")
	fmt.Fprintln(os.Stderr, "  clear\tDelete the trail database.")
}
