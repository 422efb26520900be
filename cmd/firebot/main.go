// firebot - Tibia guild monitor and alert dashboard
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/firebot-tibia/firebot-monitor/internal/api"
	"github.com/firebot-tibia/firebot-monitor/internal/auth"
	"github.com/firebot-tibia/firebot-monitor/internal/backend"
	"github.com/firebot-tibia/firebot-monitor/internal/bus"
	"github.com/firebot-tibia/firebot-monitor/internal/config"
	"github.com/firebot-tibia/firebot-monitor/internal/credential"
	"github.com/firebot-tibia/firebot-monitor/internal/domain"
	"github.com/firebot-tibia/firebot-monitor/internal/monitor"
	"github.com/firebot-tibia/firebot-monitor/internal/storage"
)

var version = "dev"

const defaultConfigPath = "/etc/firebot/config.yml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "login":
		cmdLogin(os.Args[2:])
	case "passwd":
		cmdPasswd(os.Args[2:])
	case "rules":
		cmdRules(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "version":
		fmt.Printf("firebot %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: firebot <command> [options] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                               Start the monitor and dashboard server")
	fmt.Println("  login                               Sign in to the firebot backend (prompts for credentials)")
	fmt.Println("  passwd                              Generate a dashboard passcode hash for the config file")
	fmt.Println("  rules list                          Show configured alert rules")
	fmt.Println("  rules add --minutes N --threshold N [--channel sound|voice|toast]")
	fmt.Println("                                      Add an alert rule")
	fmt.Println("  rules remove <id>                   Remove an alert rule")
	fmt.Println("  rules enable <id>                   Enable an alert rule")
	fmt.Println("  rules disable <id>                  Disable an alert rule")
	fmt.Println("  status                              Show monitor status")
	fmt.Println("  version                             Show version")
	fmt.Println("  help                                Show this help")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  --config <path>    Path to configuration file (default /etc/firebot/config.yml)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  firebot login")
	fmt.Println("  firebot serve --config /etc/firebot/config.yml")
	fmt.Println("  firebot rules add --minutes 5 --threshold 3 --channel voice")
	fmt.Println("  firebot status")
}

// cmdServe starts the monitor pipeline and the dashboard HTTP server
func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfgPath := *configPath
	if cfgPath == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			cfgPath = defaultConfigPath
		} else {
			log.Fatalf("No config file found at %s. Use --config to specify a config file.", defaultConfigPath)
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Firebot %s starting...", version)

	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()
	log.Printf("Database initialized at %s", cfg.Database.Path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Restore the persisted backend session; firebot login seeds it
	access, refresh, err := store.LoadTokens(ctx)
	if err != nil {
		log.Fatalf("Failed to load tokens: %v", err)
	}
	if access == "" && refresh == "" {
		log.Fatalf("No backend session found. Run 'firebot login' first.")
	}

	backendClient := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.GuildID, cfg.Backend.Timeout)
	creds := credential.NewProvider(access, refresh, backendClient, store)

	eventBus, err := bus.New(cfg.NATS)
	if err != nil {
		log.Fatalf("Failed to start event bus: %v", err)
	}
	defer eventBus.Close()

	manager := monitor.NewManager(cfg, store, creds, backendClient, eventBus)
	if err := manager.Start(ctx); err != nil {
		log.Fatalf("Failed to start monitor: %v", err)
	}

	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.PasscodeHash, cfg.Auth.TokenDuration)
	if cfg.Auth.JWTSecret == "" {
		log.Printf("Warning: No JWT secret configured. Session tokens will use an empty secret.")
	}
	if cfg.Auth.PasscodeHash == "" {
		log.Printf("Warning: No passcode hash configured. Dashboard login is disabled; run 'firebot passwd'.")
	}

	router := api.NewRouter(manager, authService, cfg.Server.StaticDir)
	router.StartWebSocketHub()
	if cfg.Server.StaticDir != "" {
		log.Printf("Serving static files from %s", cfg.Server.StaticDir)
	}

	// Every bus event reaches the dashboard through the WebSocket hub
	sub, err := eventBus.Subscribe(router.Hub().Broadcast)
	if err != nil {
		log.Fatalf("Failed to subscribe to event bus: %v", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.ListenAddr, cfg.Server.HTTPPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", addr)
		log.Printf("Dashboard available at http://%s", addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)
	case err := <-serverErr:
		log.Fatalf("HTTP server error: %v", err)
	}

	// Sequential shutdown
	log.Println("Shutting down HTTP server...")
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	sub.Unsubscribe()
	manager.Stop()

	cancel()
	log.Println("Shutdown complete")
}

// cmdLogin signs in to the firebot backend and persists the token pair
func cmdLogin(args []string) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		os.Exit(1)
	}

	fmt.Print("Email: ")
	reader := bufio.NewReader(os.Stdin)
	email, err := reader.ReadString('\n')
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to read email: %v\n", err)
		os.Exit(1)
	}
	email = strings.TrimSpace(email)

	fmt.Print("Password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to read password: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.GuildID, cfg.Backend.Timeout)
	pair, err := client.Login(ctx, email, string(password))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: login failed: %v\n", err)
		os.Exit(1)
	}

	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.SaveTokens(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to save tokens: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Signed in as %s\n", email)
}

// cmdPasswd generates a bcrypt hash for the dashboard passcode
func cmdPasswd(args []string) {
	fs := flag.NewFlagSet("passwd", flag.ExitOnError)
	fs.Parse(args)

	fmt.Print("Enter passcode: ")
	passcode, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to read passcode: %v\n", err)
		os.Exit(1)
	}

	if len(passcode) < 8 {
		fmt.Fprintf(os.Stderr, "Error: passcode must be at least 8 characters\n")
		os.Exit(1)
	}

	fmt.Print("Confirm passcode: ")
	confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to read passcode: %v\n", err)
		os.Exit(1)
	}

	if string(passcode) != string(confirm) {
		fmt.Fprintf(os.Stderr, "Error: passcodes do not match\n")
		os.Exit(1)
	}

	hash, err := auth.HashPasscode(string(passcode))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to hash passcode: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Add to your config file under auth:")
	fmt.Printf("  passcode_hash: %q\n", hash)
}

// cmdRules dispatches rule subcommands. Rules are edited in the local
// database; a running server picks changes up on restart, the dashboard
// API edits them live.
func cmdRules(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Error: rules subcommand required: list, add, remove, enable, disable\n")
		os.Exit(1)
	}

	subCmd := args[0]
	fs := flag.NewFlagSet("rules", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	minutes := fs.Int("minutes", 0, "observation window in minutes")
	threshold := fs.Int("threshold", 0, "login count that fires the alert")
	channel := fs.String("channel", "sound", "alert channel: sound, voice, toast")
	fs.Parse(args[1:])
	remaining := fs.Args()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		os.Exit(1)
	}

	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()

	switch subCmd {
	case "list":
		err = cmdRulesList(ctx, store)
	case "add":
		err = cmdRulesAdd(ctx, store, *minutes, *threshold, *channel)
	case "remove":
		if len(remaining) < 1 {
			err = fmt.Errorf("usage: firebot rules remove <id>")
		} else {
			err = store.DeleteRule(ctx, remaining[0])
			if err == nil {
				fmt.Printf("Rule %s removed\n", remaining[0])
			}
		}
	case "enable":
		if len(remaining) < 1 {
			err = fmt.Errorf("usage: firebot rules enable <id>")
		} else {
			err = store.SetRuleEnabled(ctx, remaining[0], true)
			if err == nil {
				fmt.Printf("Rule %s enabled\n", remaining[0])
			}
		}
	case "disable":
		if len(remaining) < 1 {
			err = fmt.Errorf("usage: firebot rules disable <id>")
		} else {
			err = store.SetRuleEnabled(ctx, remaining[0], false)
			if err == nil {
				fmt.Printf("Rule %s disabled\n", remaining[0])
			}
		}
	default:
		err = fmt.Errorf("unknown rules command: %s (use: list, add, remove, enable, disable)", subCmd)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func cmdRulesList(ctx context.Context, store *storage.Store) error {
	rules, err := store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to list rules: %w", err)
	}

	if len(rules) == 0 {
		fmt.Println("No alert rules configured")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWINDOW\tTHRESHOLD\tCHANNEL\tENABLED")
	fmt.Fprintln(w, "--\t------\t---------\t-------\t-------")

	for _, rule := range rules {
		enabled := "no"
		if rule.Enabled {
			enabled = "yes"
		}
		fmt.Fprintf(w, "%s\t%dm\t%d\t%s\t%s\n", rule.ID, rule.TimeRangeMinutes, rule.Threshold, rule.Channel, enabled)
	}
	return w.Flush()
}

func cmdRulesAdd(ctx context.Context, store *storage.Store, minutes, threshold int, channel string) error {
	rule := domain.AlertRule{
		ID:               uuid.NewString(),
		TimeRangeMinutes: minutes,
		Threshold:        threshold,
		Enabled:          true,
		Channel:          domain.AlertChannel(channel),
		CreatedAt:        time.Now(),
	}
	if err := rule.Validate(); err != nil {
		return err
	}

	if err := store.UpsertRule(ctx, rule); err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}

	fmt.Printf("Rule %s created: %d logins within %dm -> %s\n", rule.ID, threshold, minutes, channel)
	return nil
}

// cmdStatus queries the running server's health endpoint
func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	url := fs.String("url", "", "base URL of the firebot server")
	fs.Parse(args)

	baseURL := *url
	if baseURL == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			baseURL = "http://localhost:8090"
		} else {
			baseURL = fmt.Sprintf("http://%s:%d", cfg.Server.ListenAddr, cfg.Server.HTTPPort)
		}
	}

	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: server unreachable: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Error: server returned %d: %s\n", resp.StatusCode, string(body))
		os.Exit(1)
	}

	var health map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tVALUE")
	fmt.Fprintln(w, "-----\t-----")
	for _, key := range []string{"status", "feed_status", "time"} {
		if v, ok := health[key].(string); ok {
			fmt.Fprintf(w, "%s\t%s\n", key, v)
		}
	}
	w.Flush()
}
