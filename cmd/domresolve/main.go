// CLAUDE:SUMMARY CLI entry point for domresolve — resolution daemon with admin HTTP API, MCP stdio mode, and one-shot resolve/stats.
// Command domresolve is the semantic element resolution daemon.
//
// Usage:
//
//	domresolve -config resolver.yaml                            # daemon with config file
//	domresolve -db resolver.db -html page.html                  # daemon over a static page
//	domresolve -config resolver.yaml -url https://example.com   # daemon over a live page
//	domresolve -db resolver.db -html page.html -resolve home_team_name  # resolve and exit
//	domresolve -db resolver.db -stats                           # show stats and exit
//	domresolve -config resolver.yaml -html page.html -mcp       # serve MCP over stdio
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/domresolve"
	"github.com/hazyhaar/domresolve/dom"
	"github.com/hazyhaar/domresolve/dom/htmldoc"
	"github.com/hazyhaar/domresolve/dom/roddoc"
	"github.com/hazyhaar/domresolve/httpapi"
	"github.com/hazyhaar/domresolve/mcpapi"
	"github.com/hazyhaar/domresolve/resolve"
)

type options struct {
	configPath  string
	dbPath      string
	catalogPath string
	htmlPath    string
	pageURL     string
	browserURL  string
	stealth     bool
	addr        string
	mcpStdio    bool
	resolveName string
	scopeName   string
	showStats   bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "path to resolver.yaml config file")
	flag.StringVar(&opts.dbPath, "db", "", "path to SQLite database")
	flag.StringVar(&opts.catalogPath, "catalog", "", "path to a YAML selector catalog seeded at startup")
	flag.StringVar(&opts.htmlPath, "html", "", "resolve against a static HTML file")
	flag.StringVar(&opts.pageURL, "url", "", "resolve against a live page at this URL")
	flag.StringVar(&opts.browserURL, "browser", "", "WebSocket URL of an external Chrome (empty = launch one)")
	flag.BoolVar(&opts.stealth, "stealth", false, "apply stealth patches to the live page")
	flag.StringVar(&opts.addr, "addr", ":8710", "admin HTTP listen address (empty = disabled)")
	flag.BoolVar(&opts.mcpStdio, "mcp", false, "serve MCP over stdio")
	flag.StringVar(&opts.resolveName, "resolve", "", "resolve one selector and exit")
	flag.StringVar(&opts.scopeName, "scope", "", "scope override for -resolve")
	flag.BoolVar(&opts.showStats, "stats", false, "show stats and exit")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, opts); err != nil {
		logger.Error("domresolve: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, opts options) error {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return err
	}

	src, closeSource, err := openSource(ctx, logger, opts)
	if err != nil {
		return err
	}
	defer closeSource()

	eng, err := domresolve.New(cfg, src, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer eng.Close()

	// One-shot: resolve a selector.
	if opts.resolveName != "" {
		var out *resolve.Outcome
		if opts.scopeName != "" {
			out, err = eng.ResolveIn(ctx, opts.resolveName, opts.scopeName)
		} else {
			out, err = eng.Resolve(ctx, opts.resolveName)
		}
		if err != nil {
			return fmt.Errorf("resolve: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	// One-shot: stats.
	if opts.showStats {
		stats, err := eng.Stats(ctx)
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	// Daemon mode.
	eng.Start(ctx)
	logger.Info("domresolve: running", "db", cfg.DBPath)

	var srv *http.Server
	if opts.addr != "" {
		api := httpapi.New(eng, httpapi.WithLogger(logger))
		srv = &http.Server{
			Addr:              opts.addr,
			Handler:           api.Router(),
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			logger.Info("domresolve: admin API listening", "addr", opts.addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("domresolve: admin API", "error", err)
				os.Exit(1)
			}
		}()
	}

	if opts.mcpStdio {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "domresolve",
			Version: "1.0.0",
		}, nil)
		mcpapi.New(eng).Register(mcpSrv)
		logger.Info("domresolve: serving MCP on stdio")
		if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
			return fmt.Errorf("mcp: %w", err)
		}
	} else {
		<-ctx.Done()
	}

	logger.Info("domresolve: shutting down")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("domresolve: shutdown", "error", err)
		}
	}
	return nil
}

// openSource assembles the document source: a parsed static file, a live
// browser page, or an empty document when only the catalog and history are
// being administered.
func openSource(ctx context.Context, logger *slog.Logger, opts options) (dom.Source, func(), error) {
	noop := func() {}

	switch {
	case opts.htmlPath != "":
		data, err := os.ReadFile(opts.htmlPath)
		if err != nil {
			return nil, noop, fmt.Errorf("read page: %w", err)
		}
		doc, err := htmldoc.ParseString(string(data))
		if err != nil {
			return nil, noop, fmt.Errorf("parse page: %w", err)
		}
		logger.Info("domresolve: static page loaded", "path", opts.htmlPath)
		return dom.Fixed(doc), noop, nil

	case opts.pageURL != "":
		b, lnch, err := openBrowser(logger, opts.browserURL)
		if err != nil {
			return nil, noop, err
		}
		pageCfg := roddoc.Config{Stealth: opts.stealth}
		page, err := roddoc.OpenPage(ctx, b, opts.pageURL, pageCfg)
		if err != nil {
			b.Close()
			if lnch != nil {
				lnch.Cleanup()
			}
			return nil, noop, err
		}
		src := roddoc.NewPageSource(page, pageCfg)
		logger.Info("domresolve: page opened", "url", opts.pageURL)
		cleanup := func() {
			src.Close()
			b.Close()
			if lnch != nil {
				lnch.Cleanup()
			}
		}
		return src, cleanup, nil

	default:
		doc, err := htmldoc.ParseString("<html><body></body></html>")
		if err != nil {
			return nil, noop, err
		}
		return dom.Fixed(doc), noop, nil
	}
}

// openBrowser connects to an external Chrome or launches a local headless one.
func openBrowser(logger *slog.Logger, remoteURL string) (*rod.Browser, *launcher.Launcher, error) {
	wsURL := remoteURL
	var lnch *launcher.Launcher
	if wsURL == "" {
		lnch = launcher.New().
			Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := lnch.Launch()
		if err != nil {
			return nil, nil, fmt.Errorf("launch chrome: %w", err)
		}
		wsURL = u
		logger.Info("domresolve: launched local chrome", "url", wsURL)
	} else {
		logger.Info("domresolve: connecting to remote chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if lnch != nil {
			lnch.Cleanup()
		}
		return nil, nil, fmt.Errorf("connect chrome: %w", err)
	}
	return b, lnch, nil
}

func resolveConfig(opts options) (*domresolve.Config, error) {
	if opts.configPath != "" {
		cfg, err := domresolve.LoadConfigFile(opts.configPath)
		if err != nil {
			return nil, err
		}
		if opts.dbPath != "" {
			cfg.DBPath = opts.dbPath
		}
		if opts.catalogPath != "" {
			cfg.CatalogPath = opts.catalogPath
		}
		return cfg, nil
	}

	cfg := &domresolve.Config{}
	if opts.dbPath != "" {
		cfg.DBPath = opts.dbPath
	}
	if opts.catalogPath != "" {
		cfg.CatalogPath = opts.catalogPath
	}

	if cfg.DBPath == "" {
		fmt.Fprintln(os.Stderr, "usage: domresolve -config <file> | -db <path> [-html <file> | -url <page>] [-resolve <selector>] [-stats] [-mcp]")
		os.Exit(1)
	}
	return cfg, nil
}
