// ABOUTME: Entry point for neko-bridge
// ABOUTME: Connects to the OneBot gateway, wires the bot handlers and manages group settings

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/nekotori/neko-bridge/internal/bot"
	"github.com/nekotori/neko-bridge/internal/chatstream"
	"github.com/nekotori/neko-bridge/internal/config"
	"github.com/nekotori/neko-bridge/internal/metrics"
	"github.com/nekotori/neko-bridge/internal/onebot"
	"github.com/nekotori/neko-bridge/internal/store"
	"github.com/nekotori/neko-bridge/internal/workpool"
)

// Version is set at build time.
var version = "dev"

const banner = `
            _                  _          _     _
 _ __   ___| | _____          | |__  _ __(_) __| | __ _  ___
| '_ \ / _ \ |/ / _ \  _____  | '_ \| '__| |/ _' |/ _' |/ _ \
| | | |  __/   < (_) ||_____| | |_) | |  | | (_| | (_| |  __/
|_| |_|\___|_|\_\___/         |_.__/|_|  |_|\__,_|\__, |\___|
                                                  |___/
`

// getConfigPath returns the path to the config file.
// Priority: NEKO_CONFIG env var > XDG_CONFIG_HOME/neko/bridge.yaml > ~/.config/neko/bridge.yaml
func getConfigPath() string {
	if envPath := os.Getenv("NEKO_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "bridge.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "neko", "bridge.yaml")
}

func usage() {
	fmt.Println("Usage: neko-bridge <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                  Connect to the gateway and run the bot")
	fmt.Println("  check                                  Validate the config file")
	fmt.Println("  groups                                 List group settings")
	fmt.Println("  group <id> [features=a,b] [credits=N] [voice=true|false] [blacklist=true|false]")
	fmt.Println("                                         Update one group's settings")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "check":
		err = runCheck()
	case "groups":
		err = runGroups(ctx)
	case "group":
		err = runGroup(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Gateway:  %s\n", cfg.Gateway.URL)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	if cfg.Chat.Enabled() {
		fmt.Printf("Chat:     %s (%s)\n", cfg.Chat.Model, cfg.Chat.Format)
	} else {
		fmt.Print("Chat:     ")
		yellow.Println("disabled")
	}
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:  http://%s%s\n", cfg.Metrics.Addr, cfg.Metrics.Path)
	}
	fmt.Println()

	st, err := openStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	pool := workpool.New(cfg.Workers.Size, cfg.Workers.Queue, logger)
	defer pool.Close()

	conn, err := onebot.Dial(ctx, onebot.DialOptions{
		URL:          cfg.Gateway.URL,
		Token:        cfg.Gateway.Token,
		CallTimeout:  cfg.Gateway.CallTimeout,
		DedupeWindow: cfg.Gateway.DedupeWindow,
	}, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	deps := bot.Deps{
		Source: conn,
		Store:  st,
		Exec:   pool,
		Logger: logger,
	}
	if cfg.Chat.Enabled() {
		backend, err := chatstream.NewBackend(chatstream.BackendOptions{
			Format:  cfg.Chat.Format,
			BaseURL: cfg.Chat.BaseURL,
			APIKey:  cfg.Chat.APIKey,
			Model:   cfg.Chat.Model,
		})
		if err != nil {
			return fmt.Errorf("creating chat backend: %w", err)
		}
		// Lines are sent from the pool one at a time per response, so a slow
		// send never stalls the stream and replies still arrive in order.
		deps.Chat = chatstream.NewAggregator(backend, pool, pool, chatstream.Options{
			RefusalMarker: cfg.Chat.RefusalMarker,
			FallbackText:  cfg.Chat.FallbackText,
			Timeout:       cfg.Chat.Timeout,
			Ordered:       true,
		}, logger)
	}

	b, err := bot.New(deps, bot.Options{
		SystemPrompt:    cfg.Chat.SystemPrompt,
		HistoryLimit:    cfg.Chat.HistoryLimit,
		Admins:          cfg.Bot.Admins,
		DrawMaxWait:     cfg.Draw.MaxWait,
		TorrentCategory: cfg.Bot.TorrentCategory,
	})
	if err != nil {
		return fmt.Errorf("creating bot: %w", err)
	}
	b.Start(ctx)
	defer b.Stop()

	logger.Info("starting neko-bridge",
		"config", configPath,
		"gateway", cfg.Gateway.URL,
		"workers", cfg.Workers.Size,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return conn.Run(gctx)
	})
	if cfg.Metrics.Enabled {
		metrics.Register()
		srv := metricsServer(cfg.Metrics)
		g.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-conn.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("neko-bridge stopped", "error", err)
	return err
}

func metricsServer(cfg config.MetricsConfig) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func openStore(path string) (store.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	st, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return st, nil
}

func runCheck() error {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	color.Green("config ok: %s", configPath)
	fmt.Printf("  gateway:  %s\n", cfg.Gateway.URL)
	if cfg.Chat.Enabled() {
		fmt.Printf("  chat:     %s via %s (%s)\n", cfg.Chat.Model, cfg.Chat.BaseURL, cfg.Chat.Format)
	} else {
		fmt.Println("  chat:     disabled")
	}
	fmt.Printf("  database: %s\n", cfg.Database.Path)
	return nil
}

func loadStore() (store.Store, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return openStore(cfg.Database.Path)
}

func runGroups(ctx context.Context) error {
	st, err := loadStore()
	if err != nil {
		return err
	}
	defer st.Close()

	groups, err := st.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("listing groups: %w", err)
	}
	if len(groups) == 0 {
		fmt.Println("no groups yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tNAME\tFEATURES\tCREDITS\tVOICE\tBLACKLISTED\tUPDATED")
	for _, g := range groups {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%t\t%t\t%s\n",
			g.GroupID, g.Name, strings.Join(g.Features, ","), g.Credits,
			g.VoiceChat, g.Blacklisted, g.UpdatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runGroup(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: neko-bridge group <id> [key=value ...]")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid group id %q", args[0])
	}

	st, err := loadStore()
	if err != nil {
		return err
	}
	defer st.Close()

	g, err := st.EnsureGroup(ctx, id, "")
	if err != nil {
		return fmt.Errorf("loading group: %w", err)
	}
	if err := applyGroupSettings(g, args[1:]); err != nil {
		return err
	}
	if err := st.SaveGroup(ctx, g); err != nil {
		return fmt.Errorf("saving group: %w", err)
	}

	color.Green("✓ group %d updated", g.GroupID)
	fmt.Printf("  features: %s\n  credits:  %d\n  voice:    %t\n  blacklist: %t\n",
		strings.Join(g.Features, ","), g.Credits, g.VoiceChat, g.Blacklisted)
	return nil
}

// applyGroupSettings applies key=value arguments to g.
func applyGroupSettings(g *store.Group, args []string) error {
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("expected key=value, got %q", arg)
		}
		var err error
		switch key {
		case "name":
			g.Name = value
		case "features":
			g.Features = store.ParseFeatures(value)
		case "credits":
			g.Credits, err = strconv.Atoi(value)
		case "voice":
			g.VoiceChat, err = strconv.ParseBool(value)
		case "blacklist":
			g.Blacklisted, err = strconv.ParseBool(value)
		default:
			return fmt.Errorf("unknown setting %q", key)
		}
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
	}
	return nil
}
