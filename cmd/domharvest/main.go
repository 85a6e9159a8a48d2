// Command domharvest renders pages in headless Chrome and extracts structured
// records from them.
//
// Usage:
//
//	domharvest -url https://shop.test/list -root .item -schema item.yaml
//	domharvest -url https://shop.test/list -screenshot page.png
//	domharvest -batch jobs.json
//	domharvest -mcp stdio
//	domharvest -mcp quic -quic-addr :9444 [-tls-cert c.pem -tls-key k.pem]
//	domharvest -http :8086 [-mcp quic]
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/domharvest"
	"github.com/hazyhaar/domharvest/internal/mcpquic"
	"github.com/hazyhaar/domharvest/schema"
)

type flags struct {
	config     string
	url        string
	root       string
	schema     string
	screenshot string
	fullPage   bool
	batch      string
	httpAddr   string
	mcp        string
	quicAddr   string
	tlsCert    string
	tlsKey     string
	logLevel   string
}

func main() {
	var f flags
	flag.StringVar(&f.config, "config", "", "path to domharvest.yaml")
	flag.StringVar(&f.url, "url", "", "page to extract from or capture")
	flag.StringVar(&f.root, "root", "", "CSS selector of the record roots")
	flag.StringVar(&f.schema, "schema", "", "schema file (YAML or JSON)")
	flag.StringVar(&f.screenshot, "screenshot", "", "write a PNG capture of -url to this file")
	flag.BoolVar(&f.fullPage, "full-page", false, "capture beyond the viewport")
	flag.StringVar(&f.batch, "batch", "", "JSON file of jobs [{url, root_selector, schema}]")
	flag.StringVar(&f.httpAddr, "http", "", "serve the HTTP API on this address")
	flag.StringVar(&f.mcp, "mcp", "", "serve MCP tools: stdio | quic")
	flag.StringVar(&f.quicAddr, "quic-addr", ":9444", "MCP QUIC listen address")
	flag.StringVar(&f.tlsCert, "tls-cert", "", "MCP QUIC certificate (self-signed when empty)")
	flag.StringVar(&f.tlsKey, "tls-key", "", "MCP QUIC key")
	flag.StringVar(&f.logLevel, "log-level", "", "override log.level from the config")
	flag.Parse()

	cfg := domharvest.DefaultConfig()
	if f.config != "" {
		var err error
		if cfg, err = domharvest.LoadConfig(f.config); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	// MCP stdio owns stdout.
	if f.mcp == "stdio" && (cfg.Log.Sink == "" || cfg.Log.Sink == "stdout") {
		cfg.Log.Sink = "stderr"
	}
	logger, closer, err := cfg.Log.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = run(ctx, logger, cfg, f)
	stop()
	if errors.Is(err, errUsage) {
		fmt.Fprintln(os.Stderr, usage)
		closer.Close()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("domharvest: fatal", "error", err)
		closer.Close()
		os.Exit(1)
	}
}

const usage = "usage: domharvest -url <url> (-root <sel> -schema <file> | -screenshot <file>) | -batch <file> | -http <addr> | -mcp stdio|quic"

var errUsage = errors.New("usage")

func run(ctx context.Context, logger *slog.Logger, cfg *domharvest.Config, f flags) error {
	if f.url == "" && f.batch == "" && f.httpAddr == "" && f.mcp == "" {
		return errUsage
	}

	h, err := domharvest.New(cfg, domharvest.WithLogger(logger))
	if err != nil {
		return err
	}
	defer h.Close()

	switch {
	case f.screenshot != "":
		return runScreenshot(ctx, h, f)
	case f.url != "":
		return runExtract(ctx, h, f)
	case f.batch != "":
		return runBatch(ctx, h, f.batch)
	case f.mcp == "stdio":
		return runStdio(ctx, h)
	}
	return runServe(ctx, logger, h, f)
}

func runExtract(ctx context.Context, h *domharvest.Harvester, f flags) error {
	if f.root == "" || f.schema == "" {
		return errors.New("-url needs -root and -schema (or -screenshot)")
	}
	data, err := os.ReadFile(f.schema)
	if err != nil {
		return err
	}
	node, err := schema.Parse(data)
	if err != nil {
		return err
	}
	records, err := h.Extract(ctx, f.url, f.root, node, domharvest.ExtractOptions{})
	if err != nil {
		return err
	}
	if records == nil {
		records = []schema.Record{}
	}
	return printJSON(records)
}

func runScreenshot(ctx context.Context, h *domharvest.Harvester, f flags) error {
	if f.url == "" {
		return errors.New("-screenshot needs -url")
	}
	img, err := h.Screenshot(ctx, f.url, domharvest.ScreenshotOptions{FullPage: f.fullPage, Format: "png"})
	if err != nil {
		return err
	}
	return os.WriteFile(f.screenshot, img, 0o644)
}

type jobSpec struct {
	URL          string          `json:"url"`
	RootSelector string          `json:"root_selector"`
	Schema       json.RawMessage `json:"schema"`
}

func runBatch(ctx context.Context, h *domharvest.Harvester, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var specs []jobSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return fmt.Errorf("batch file: %w", err)
	}
	jobs := make([]domharvest.BatchJob, len(specs))
	for i, s := range specs {
		node, err := schema.Parse(s.Schema)
		if err != nil {
			return fmt.Errorf("job %d: %w", i, err)
		}
		jobs[i] = domharvest.BatchJob{Target: s.URL, RootSelector: s.RootSelector, Schema: node}
	}
	outcomes, err := h.Batch(ctx, jobs, domharvest.BatchOptions{})
	if err != nil {
		return err
	}
	return printJSON(outcomes)
}

func newMCPServer(h *domharvest.Harvester) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "domharvest", Version: "1.0.0"}, nil)
	h.RegisterMCP(srv)
	return srv
}

func runStdio(ctx context.Context, h *domharvest.Harvester) error {
	return newMCPServer(h).Run(ctx, &mcp.StdioTransport{})
}

func runServe(ctx context.Context, logger *slog.Logger, h *domharvest.Harvester, f flags) error {
	if f.mcp != "" && f.mcp != "quic" {
		return fmt.Errorf("unknown -mcp transport %q", f.mcp)
	}
	errc := make(chan error, 2)

	if f.mcp == "quic" {
		tlsCfg, err := quicTLS(f)
		if err != nil {
			return err
		}
		ql, err := mcpquic.NewListener(f.quicAddr, tlsCfg, newMCPServer(h), logger)
		if err != nil {
			return fmt.Errorf("mcp quic: %w", err)
		}
		defer ql.Close()
		go func() {
			if err := ql.Serve(ctx); err != nil && ctx.Err() == nil {
				errc <- fmt.Errorf("mcp quic: %w", err)
			}
		}()
	}

	var srv *http.Server
	if f.httpAddr != "" {
		srv = &http.Server{
			Addr:              f.httpAddr,
			Handler:           h.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      5 * time.Minute, // batches hold the response open
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			logger.Info("domharvest: http listening", "addr", f.httpAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}
	logger.Info("domharvest: shutting down")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

func quicTLS(f flags) (*tls.Config, error) {
	if f.tlsCert != "" && f.tlsKey != "" {
		return mcpquic.ServerTLSConfig(f.tlsCert, f.tlsKey)
	}
	return mcpquic.SelfSignedTLSConfig()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
