// ABOUTME: Entry point for the switchboard server and its operator commands
// ABOUTME: Provides serve, init, health, token, and version subcommands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
              _ _       _     _                         _
 _____      _(_) |_ ___| |__ | |__   ___   __ _ _ __ __| |
/ __\ \ /\ / / | __/ __| '_ \| '_ \ / _ \ / _' | '__/ _' |
\__ \\ V  V /| | || (__| | | | |_) | (_) | (_| | | | (_| |
|___/ \_/\_/ |_|\__\___|_| |_|_.__/ \___/ \__,_|_|  \__,_|
`

// getConfigPath returns the path to the switchboard config file.
// Priority: SWITCHBOARD_CONFIG env var > XDG_CONFIG_HOME/switchboard/config.yaml > ~/.config/switchboard/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SWITCHBOARD_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "switchboard", "config.yaml")
}

func usage() {
	fmt.Println("Usage: switchboard <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                Start the server")
	fmt.Println("  init                                 Create a new config file interactively")
	fmt.Println("  health                               Check server health")
	fmt.Println("  token --sub NAME [--scope S] [--ttl] Mint an API token")
	fmt.Println("  version                              Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// A missing .env is fine; values may come from the real environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: reading .env: %v\n", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken(os.Args[2:])
	case "version":
		fmt.Println(version)
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

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Cache:     %s\n", cfg.Cache.Backend)

	green.Print("    ▶ ")
	fmt.Printf("Telegram:  ")
	if cfg.Telegram.Enabled {
		cyan.Println("polling")
	} else {
		yellow.Println("disabled")
	}

	green.Print("    ▶ ")
	fmt.Printf("Responder: ")
	if cfg.Responder.Backend != "" {
		cyan.Print(cfg.Responder.Backend)
		gray.Printf(" (threshold %d, cooldown %s)\n", cfg.Responder.FailureThreshold, cfg.Responder.CircuitCooldown.D())
	} else {
		yellow.Println("disabled")
	}

	if cfg.Auth.JWTSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("API auth disabled (no auth.jwt_secret)")
	}
	fmt.Println()

	logger.Info("starting switchboard",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var health gateway.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}

	printHealth(health)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func printHealth(h gateway.HealthResponse) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	if h.Status == "ok" {
		green.Println("healthy")
	} else {
		red.Println(h.Status)
	}
	fmt.Printf("  uptime:     %s\n", h.Uptime)
	fmt.Printf("  database:   %s\n", h.Database)
	fmt.Printf("  ingestion:  %t\n", h.Ingestion)
	fmt.Printf("  observers:  %d\n", h.Observers)
	fmt.Printf("  responder:  %s", h.Responder)
	if h.CircuitOpen {
		red.Printf(" [circuit open, %d failures]", h.Failures)
	}
	fmt.Println()
	if h.Error != nil {
		red.Printf("  error:      %s\n", *h.Error)
	}
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("sub", "", "token subject (operator or dashboard name)")
	scope := fs.String("scope", string(auth.ScopeOperator), "token scope: operator or observer")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	token, err := mintToken(getConfigPath(), *subject, auth.Scope(*scope), *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// mintToken signs a token with the jwt secret from the config at configPath.
func mintToken(configPath, subject string, scope auth.Scope, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("--sub is required")
	}
	if scope != auth.ScopeOperator && scope != auth.ScopeObserver {
		return "", fmt.Errorf("unknown scope %q (want operator or observer)", scope)
	}
	if ttl <= 0 {
		return "", errors.New("--ttl must be positive")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return "", errors.New("auth.jwt_secret is not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("creating verifier: %w", err)
	}
	return verifier.Generate(subject, scope, ttl)
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("switchboard configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	cfg := config.Default()

	fmt.Println("\n--- Server ---")
	cfg.Server.HTTPAddr = prompt(reader, "HTTP address", cfg.Server.HTTPAddr)
	cfg.Database.Path = prompt(reader, "SQLite database path", cfg.Database.Path)

	fmt.Println("\n--- Telegram ---")
	cfg.Telegram.Enabled = yes(prompt(reader, "Poll Telegram?", "yes"))
	if cfg.Telegram.Enabled {
		cfg.Telegram.BotToken = "${BOT_TOKEN}"
		fmt.Println("  bot token is read from $BOT_TOKEN")
	}

	fmt.Println("\n--- Automated responder ---")
	cfg.Responder.Backend = prompt(reader, "Backend (webhook/openai/none)", "webhook")
	switch cfg.Responder.Backend {
	case "webhook":
		cfg.Responder.WebhookURL = prompt(reader, "Webhook URL", "${N8N_WEBHOOK_URL}")
	case "openai":
		cfg.Responder.OpenAI.APIKey = "${OPENAI_API_KEY}"
		cfg.Responder.OpenAI.Model = prompt(reader, "Model", "gpt-4o-mini")
		fmt.Println("  API key is read from $OPENAI_API_KEY")
	default:
		cfg.Responder.Backend = ""
	}

	fmt.Println("\n--- Auth ---")
	if yes(prompt(reader, "Require API tokens?", "yes")) {
		secret, err := generateSecret()
		if err != nil {
			return err
		}
		cfg.Auth.JWTSecret = secret
	}

	fmt.Println("\n--- Logging ---")
	cfg.Logging.Level = prompt(reader, "Log level (debug/info/warn/error)", cfg.Logging.Level)
	cfg.Logging.Format = prompt(reader, "Log format (text/json)", cfg.Logging.Format)

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	header := "# switchboard configuration\n# Generated by switchboard init\n\n"
	if err := os.WriteFile(outputFile, append([]byte(header), out...), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Println("  switchboard serve")
	if cfg.Auth.JWTSecret != "" {
		fmt.Println("\nTo mint an operator token:")
		fmt.Println("  switchboard token --sub <name>")
	}
	return nil
}

// generateSecret returns a random base64 secret suitable for auth.jwt_secret.
func generateSecret() (string, error) {
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func yes(answer string) bool {
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "yes" || answer == "y"
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
