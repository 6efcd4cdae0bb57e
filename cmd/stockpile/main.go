// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/poiesic/stockpile"
	"github.com/poiesic/stockpile/config"
	"github.com/poiesic/stockpile/ingestion"
	"github.com/poiesic/stockpile/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "stockpile",
		Usage: "Bulk catalog import pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log output format (text, json)",
				Value: "text",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load STOCKPILE_* settings from this file when it exists",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Aliases: []string{"d"},
				Usage:   "Override STOCKPILE_DATA_DIR",
			},
		},
		Before: func(c *cli.Context) error {
			if err := loadEnv(c.String("env-file")); err != nil {
				return err
			}
			return setupLogger(c)
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Import uploads as they arrive and drain the record queue",
				Action: serveCommand,
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "sweep-interval",
						Usage: "How often to abandon expired, unused tickets",
						Value: time.Minute,
					},
				},
			},
			{
				Name:      "ticket",
				Usage:     "Issue a signed upload URL",
				ArgsUsage: "<logical-name>",
				Action:    ticketCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "ext",
						Aliases: []string{"e"},
						Usage:   "File extension (default from STOCKPILE_DEFAULT_EXTENSION)",
					},
				},
			},
			{
				Name:      "upload",
				Usage:     "PUT a file to a signed upload URL",
				ArgsUsage: "<signed-url> <file>",
				Action:    uploadCommand,
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "Upload timeout",
						Value: 5 * time.Minute,
					},
				},
			},
			{
				Name:      "import",
				Usage:     "Parse and enqueue uploaded objects by key",
				ArgsUsage: "<object-key>...",
				Action:    importCommand,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "progress",
						Usage: "Print record counts while importing",
					},
				},
			},
			{
				Name:   "drain",
				Usage:  "Drain queued records into the catalog until the queue is empty",
				Action: drainCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "max-batches",
						Usage: "Stop after this many batches (0 for no limit)",
					},
				},
			},
			{
				Name:  "items",
				Usage: "Read the catalog",
				Subcommands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "List every catalog item",
						Action: itemsListCommand,
					},
					{
						Name:      "get",
						Usage:     "Show one catalog item",
						ArgsUsage: "<id>",
						Action:    itemsGetCommand,
					},
				},
			},
			{
				Name:   "flows",
				Usage:  "Show the state of every tracked upload",
				Action: flowsCommand,
			},
			{
				Name:   "dead-letters",
				Usage:  "List queued records that exhausted their deliveries",
				Action: deadLettersCommand,
			},
		},
	}
}

// openService loads configuration and opens the service. The caller must
// close it.
func openService(c *cli.Context, opts ...stockpile.ServiceOption) (*stockpile.Service, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if dir := c.String("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	svc, err := stockpile.NewService(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open service: %w", err)
	}
	return svc, nil
}

func serveCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	svc, err := openService(c, stockpile.WithRegisterer(registry))
	if err != nil {
		return err
	}
	defer svc.Close()
	cfg := svc.Config()

	pipeline, err := svc.NewPipeline()
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	defer pipeline.Release()

	if handler := svc.UploadHandler(); handler != nil {
		mux := http.NewServeMux()
		mux.Handle("/objects/", http.StripPrefix("/objects", handler))
		stopServer := serveHTTP(ctx, "uploads", cfg.Local.ListenAddr, mux)
		defer stopServer()
	}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		stopServer := serveHTTP(ctx, "metrics", cfg.MetricsAddr, mux)
		defer stopServer()
	}

	go sweepLoop(ctx, pipeline, c.Duration("sweep-interval"))

	slog.Info("serving", "backend", cfg.Backend, "prefix", cfg.Tickets.Prefix)
	return pipeline.Run(ctx)
}

func serveHTTP(ctx context.Context, name, addr string, handler http.Handler) func() {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		slog.Info("http listening", "server", name, "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "server", name, "err", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown", "server", name, "err", err)
		}
	}
}

func sweepLoop(ctx context.Context, pipeline *ingestion.Pipeline, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := pipeline.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("ticket sweep failed", "err", err)
			}
		}
	}
}

func ticketCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one logical name")
	}
	svc, err := openService(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	issuer, err := svc.NewTicketIssuer()
	if err != nil {
		return err
	}
	ticket, err := issuer.Issue(c.Context, c.Args().First(), c.String("ext"))
	if err != nil {
		return err
	}
	return writeJSON(c.App.Writer, ticket)
}

func uploadCommand(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("expected a signed URL and a file")
	}
	signedURL, path := c.Args().Get(0), c.Args().Get(1)

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, signedURL, f)
	if err != nil {
		return fmt.Errorf("invalid signed URL: %w", err)
	}
	req.ContentLength = info.Size()

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("upload rejected: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	fmt.Fprintf(c.App.Writer, "uploaded %d bytes\n", info.Size())
	return nil
}

func importCommand(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("expected at least one object key")
	}
	svc, err := openService(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	var opts []ingestion.Option
	if c.Bool("progress") {
		opts = append(opts, ingestion.WithProgress(c.App.ErrWriter))
	}
	pipeline, err := svc.NewPipeline(opts...)
	if err != nil {
		return err
	}
	defer pipeline.Release()

	var failed int
	for _, key := range c.Args().Slice() {
		report, err := pipeline.ImportObject(c.Context, key)
		if err != nil {
			failed++
			fmt.Fprintf(c.App.Writer, "%s: abandoned after %d records: %v\n", key, report.Enqueued, err)
			continue
		}
		fmt.Fprintf(c.App.Writer, "%s: enqueued %d, malformed %d\n", key, report.Enqueued, report.Malformed)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d imports failed", failed, c.NArg())
	}
	return nil
}

func drainCommand(c *cli.Context) error {
	svc, err := openService(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	pipeline, err := svc.NewPipeline()
	if err != nil {
		return err
	}
	defer pipeline.Release()

	limit := c.Int("max-batches")
	var batches, persisted, rejected int
	for limit == 0 || batches < limit {
		result, err := pipeline.Drain(c.Context)
		if err != nil {
			return err
		}
		if result.Empty() {
			break
		}
		batches++
		persisted += result.Persisted()
		rejected += result.Rejected()
	}
	fmt.Fprintf(c.App.Writer, "drained %d batches: %d persisted, %d rejected\n", batches, persisted, rejected)
	return nil
}

func itemsListCommand(c *cli.Context) error {
	svc, err := openService(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	items, err := svc.ListItems(c.Context)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tPRICE\tCOUNT")
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%d\n", item.ID, item.Title, item.Price, item.Count)
	}
	return w.Flush()
}

func itemsGetCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one item id")
	}
	svc, err := openService(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	item, err := svc.GetItem(c.Context, c.Args().First())
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("item %q not found", c.Args().First())
	}
	if err != nil {
		return err
	}
	return writeJSON(c.App.Writer, item)
}

func flowsCommand(c *cli.Context) error {
	svc, err := openService(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	flows, err := svc.ListFlows(c.Context)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSTATE\tENQUEUED\tMALFORMED\tPERSISTED\tREJECTED\tUPDATED\tREASON")
	for _, f := range flows {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			f.Key, f.State, f.Enqueued, f.Malformed, f.Persisted, f.Rejected,
			f.UpdatedAt.Format(time.RFC3339), f.Reason)
	}
	return w.Flush()
}

func deadLettersCommand(c *cli.Context) error {
	svc, err := openService(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	units, err := svc.DeadLetters(c.Context)
	if errors.Is(err, stockpile.ErrNotSupported) {
		return fmt.Errorf("dead letters are kept by the SQS redrive queue for the aws backend")
	}
	if err != nil {
		return err
	}
	for _, u := range units {
		fmt.Fprintf(c.App.Writer, "%s\treceives=%d\t%s\n", u.MessageID, u.ReceiveCount, u.Payload)
	}
	fmt.Fprintf(c.App.Writer, "%d dead letters\n", len(units))
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// loadEnv reads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func setupLogger(c *cli.Context) error {
	levelStr := strings.ToLower(c.String("log-level"))

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(c.String("log-format")) {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log format %q: must be text or json", c.String("log-format"))
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
