// ABOUTME: Entry point for voice-gateway, the banking voice assistant server
// ABOUTME: Serves voice calls and offers setup, seeding and admin helper commands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/Youmanvi/bankAssistant/internal/auth"
	"github.com/Youmanvi/bankAssistant/internal/config"
	"github.com/Youmanvi/bankAssistant/internal/gateway"
	"github.com/Youmanvi/bankAssistant/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
               _                            _
__   _____ (_) ___ ___        __ _  __ _| |_ _____      ____ _ _   _
\ \ / / _ \| |/ __/ _ \_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 \ V / (_) | | (_|  __/_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
  \_/ \___/|_|\___\___|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                             |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: BANK_VOICE_CONFIG env var > XDG_CONFIG_HOME/bankvoice/gateway.yaml > ~/.config/bankvoice/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("BANK_VOICE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "bankvoice", "gateway.yaml")
}

// getDataPath returns the path to the bankvoice data directory.
// Priority: XDG_DATA_HOME/bankvoice > ~/.local/share/bankvoice
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "bankvoice")
}

func usage() {
	fmt.Println("Usage: voice-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                      Start the gateway server (default)")
	fmt.Println("  init                       Write a config file and seed the demo database")
	fmt.Println("  seed                       Load the demo callers into the configured database")
	fmt.Println("  health                     Check gateway readiness")
	fmt.Println("  calls [--limit N]          List recorded calls")
	fmt.Println("  token --operator NAME      Mint an admin API token")
	fmt.Println("  version                    Print the version")
}

func main() {
	command := "serve"
	if len(os.Args) >= 2 {
		command = os.Args[1]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch command {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(ctx)
	case "seed":
		err = runSeed(ctx)
	case "health":
		err = runHealth(ctx)
	case "calls":
		err = runCalls(ctx)
	case "token":
		err = runToken()
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
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

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Reasoner:  %s\n", cfg.Reasoner.Provider)
	green.Print("    ▶ ")
	if cfg.Database.Path == "" {
		fmt.Print("Database:  ")
		yellow.Println("in-memory demo data")
	} else {
		fmt.Printf("Database:  %s\n", cfg.Database.Path)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Admin.JWTSecret == "" {
		yellow.Println("    ! admin endpoints are unauthenticated (admin.jwt_secret is empty)")
	}

	fmt.Println()

	logger.Info("starting voice-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"reasoner", cfg.Reasoner.Provider,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := strings.Join(h.groups, ".")
	if prefix != "" {
		prefix += "."
	}
	writeAttr := func(a slog.Attr) {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		writeAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(a)
		return true
	})

	buf.WriteString("\n")

	stdoutMu.Lock()
	defer stdoutMu.Unlock()
	fmt.Print(buf.String())
	return nil
}

// stdoutMu serializes writes from every handler derived from the root one.
var stdoutMu sync.Mutex

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(string(body))
	return nil
}

// openStore opens the configured SQLite database. The in-memory store is
// per-process, so commands that read or write persisted data need a path.
func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("BANK_VOICE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath == "" {
		return nil, errors.New("database.path is empty; this command needs a SQLite database")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return s, nil
}

func runSeed(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := store.SeedDemo(ctx, s); err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("  ✓ Seeded demo callers %s and %s\n", store.DemoCallerAlex, store.DemoCallerJordan)
	return nil
}

func runCalls(ctx context.Context) error {
	limit := 20
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--limit" || arg == "-n":
			if i+1 >= len(args) {
				return fmt.Errorf("--limit requires a value")
			}
			if _, err := fmt.Sscanf(args[i+1], "%d", &limit); err != nil || limit <= 0 {
				return fmt.Errorf("--limit must be a positive integer")
			}
			i++
		case strings.HasPrefix(arg, "--limit="):
			if _, err := fmt.Sscanf(strings.TrimPrefix(arg, "--limit="), "%d", &limit); err != nil || limit <= 0 {
				return fmt.Errorf("--limit must be a positive integer")
			}
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	calls, err := s.ListCalls(ctx, limit)
	if err != nil {
		return fmt.Errorf("listing calls: %w", err)
	}
	if len(calls) == 0 {
		fmt.Println("no calls recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CALL ID\tFROM\tHANDLER\tTURNS\tSTARTED\tDURATION")
	for _, c := range calls {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			c.CallID, c.FromNumber, c.FinalHandler, c.Turns,
			c.StartedAt.Local().Format("Jan 02 15:04"),
			c.EndedAt.Sub(c.StartedAt).Round(time.Second))
	}
	return w.Flush()
}

// runToken mints a JWT for the admin endpoints.
func runToken() error {
	var operator string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--operator" || arg == "-o":
			if i+1 >= len(args) {
				return fmt.Errorf("--operator requires a value")
			}
			operator = args[i+1]
			i++
		case strings.HasPrefix(arg, "--operator="):
			operator = strings.TrimPrefix(arg, "--operator=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	operator = strings.TrimSpace(operator)
	if operator == "" {
		return fmt.Errorf("--operator flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Admin.JWTSecret == "" {
		return fmt.Errorf("admin.jwt_secret is not configured; admin endpoints are open")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Admin.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(operator, cfg.Admin.TokenTTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", time.Now().Add(cfg.Admin.TokenTTL).UTC().Format("Jan 02, 2006 15:04 MST"))
	return nil
}

// runInit writes a config file with a fresh admin secret and seeds the demo database.
func runInit(ctx context.Context) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("voice-gateway configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	dbPath := prompt(reader, "SQLite database path", filepath.Join(getDataPath(), "bank.db"))

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	content := fmt.Sprintf(config.DefaultYAML, dbPath)
	content = strings.Replace(content, `"${BANK_VOICE_JWT_SECRET}"`, `"`+jwtSecret+`"`, 1)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	green.Printf("  ✓ Created config: %s\n", outputFile)

	cfg, err := config.Load(outputFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := store.SeedDemo(ctx, s); err != nil {
		return err
	}
	green.Printf("  ✓ Database: %s (demo callers seeded)\n", dbPath)

	fmt.Println()
	yellow.Println("  Ready to go:")
	fmt.Println("    voice-gateway serve                  # start the gateway")
	fmt.Println("    voice-gateway token --operator you   # mint an admin token")
	fmt.Println()
	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
