// ABOUTME: Operational subcommands: init, account create, grant, token, and health
// ABOUTME: Account and grant open the SQLite store directly, like a one-off admin session

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/parlor/internal/auth"
	"github.com/2389/parlor/internal/ledger"
	"github.com/2389/parlor/internal/store"
)

// defaultTokenTTL is how long minted tokens stay valid: 30 days.
const defaultTokenTTL = 30 * 24 * time.Hour

// getDataPath returns the path to the parlor data directory.
// Priority: XDG_DATA_HOME/parlor > ~/.local/share/parlor
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "parlor")
}

// openStore opens the configured database without the server's log noise.
func openStore(ctx context.Context, configFlag string) (*store.SQLiteStore, error) {
	cfg, err := loadConfig(ctx, resolveConfigPath(configFlag))
	if err != nil {
		return nil, err
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path, store.WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return s, nil
}

// runInit writes a starter config with a fresh random JWT secret.
func runInit(args []string) error {
	fs, configFlag := newFlagSet("init")
	dbPath := fs.String("db", filepath.Join(getDataPath(), "parlor.db"), "SQLite database path")
	httpAddr := fs.String("http-addr", "localhost:8080", "HTTP listen address")
	force := fs.Bool("force", false, "overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	outputFile := resolveConfigPath(*configFlag)

	if _, err := os.Stat(outputFile); err == nil && !*force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", outputFile)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	configContent := fmt.Sprintf(`# parlor configuration
# Generated by parlor init

server:
  http_addr: %q

database:
  path: %q

auth:
  jwt_secret: %q

billing:
  costs:
    text: 5
    image: 10
    gift: 25

locks:
  ttl: "2m"

followups:
  first_delay: "30m"
  second_delay: "4h"

automation:
  history_limit: 20
  reply_delay: "20s"
  reply_jitter: "40s"
  humanize: true

content:
  provider: "none"
  # provider: "openai"
  # model: "gpt-4o-mini"
  # api_key: "ssm:/parlor/openai-api-key"

logging:
  level: "info"
  format: "text"
`, *httpAddr, *dbPath, jwtSecret)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(*dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", outputFile)
	fmt.Printf("  Database: %s\n", *dbPath)
	fmt.Println()
	fmt.Println("  Next:")
	fmt.Println("    parlor account create --role admin --name \"Your Name\"")
	fmt.Println("    parlor serve")
	return nil
}

// runAccount handles "account create".
func runAccount(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "create" {
		return errors.New("usage: parlor account create --role ROLE --name NAME [--bio BIO] [--grant COINS] [--id ID]")
	}

	fs, configFlag := newFlagSet("account create")
	role := fs.String("role", "", "account role: user, operator, persona, admin")
	name := fs.String("name", "", "display name")
	bio := fs.String("bio", "", "profile text (used as persona context)")
	grant := fs.Int64("grant", 0, "initial coin balance")
	id := fs.String("id", "", "account id (default: random uuid)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	acctRole := store.Role(*role)
	if !acctRole.Valid() {
		return fmt.Errorf("--role must be one of user, operator, persona, admin")
	}
	displayName := strings.TrimSpace(*name)
	if displayName == "" {
		return fmt.Errorf("--name is required")
	}
	if *grant < 0 {
		return fmt.Errorf("--grant must be non-negative")
	}

	s, err := openStore(ctx, *configFlag)
	if err != nil {
		return err
	}
	defer s.Close()

	acct := &store.Account{
		ID:          strings.TrimSpace(*id),
		Role:        acctRole,
		DisplayName: displayName,
		Bio:         *bio,
		Balance:     *grant,
	}
	if err := s.CreateAccount(ctx, acct); err != nil {
		return fmt.Errorf("creating account: %w", err)
	}

	color.New(color.FgGreen).Printf("  ✓ Created %s account\n", acct.Role)
	fmt.Printf("  ID:      %s\n", acct.ID)
	fmt.Printf("  Name:    %s\n", acct.DisplayName)
	fmt.Printf("  Balance: %d\n", acct.Balance)
	return nil
}

// runGrant credits coins through the ledger so the change is recorded.
func runGrant(ctx context.Context, args []string) error {
	fs, configFlag := newFlagSet("grant")
	accountID := fs.String("account", "", "account id")
	coins := fs.Int64("coins", 0, "coins to credit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *accountID == "" {
		return fmt.Errorf("--account is required")
	}
	if *coins <= 0 {
		return fmt.Errorf("--coins must be positive")
	}

	s, err := openStore(ctx, *configFlag)
	if err != nil {
		return err
	}
	defer s.Close()

	balance, err := ledger.New(s, slog.New(slog.DiscardHandler)).Credit(ctx, *accountID, *coins, store.ReasonGrant)
	if err != nil {
		return fmt.Errorf("granting coins: %w", err)
	}

	color.New(color.FgGreen).Printf("  ✓ Granted %d coins to %s (balance %d)\n", *coins, *accountID, balance)
	return nil
}

// runToken prints a bearer token for an existing account.
func runToken(ctx context.Context, args []string) error {
	fs, configFlag := newFlagSet("token")
	accountID := fs.String("account", "", "account id")
	role := fs.String("role", "", "role claim; must match the account")
	ttl := fs.Duration("ttl", defaultTokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *accountID == "" || *role == "" {
		return fmt.Errorf("--account and --role are required")
	}

	cfg, err := loadConfig(ctx, resolveConfigPath(*configFlag))
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path, store.WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	acct, err := s.GetAccount(ctx, *accountID)
	if err != nil {
		return fmt.Errorf("looking up account: %w", err)
	}
	if acct.Role != store.Role(*role) {
		return fmt.Errorf("account %s has role %s, not %s", acct.ID, acct.Role, *role)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(acct.ID, acct.Role, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context, args []string) error {
	fs, configFlag := newFlagSet("health")
	url := fs.String("url", "", "server base URL (default: http://<server.http_addr>)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	base := *url
	if base == "" {
		cfg, err := loadConfig(ctx, resolveConfigPath(*configFlag))
		if err != nil {
			return err
		}
		base = "http://" + cfg.Server.HTTPAddr
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(base, "/")+"/health/ready", nil)
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

	fmt.Println("healthy")
	return nil
}
