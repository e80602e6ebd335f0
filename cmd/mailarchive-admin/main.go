package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/migadu/mailarchive/config"
	"github.com/migadu/mailarchive/db"
	"github.com/migadu/mailarchive/pkg/credentials"
	"github.com/migadu/mailarchive/transport"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()
	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "migrate":
		err = handleMigrate(ctx, args)
	case "create-account":
		err = handleCreateAccount(ctx, args)
	case "add-proxy":
		err = handleAddProxy(ctx, args)
	case "list-accounts":
		err = handleListAccounts(ctx, args)
	case "enable":
		err = handleSetEnabled(ctx, "enable", true, args)
	case "disable":
		err = handleSetEnabled(ctx, "disable", false, args)
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`mailarchive admin tool

Usage:
  mailarchive-admin <command> [options]

Commands:
  migrate          Apply pending database schema migrations
  create-account   Register a remote IMAP account for synchronization
  add-proxy        Register an outbound SOCKS5 proxy
  list-accounts    List registered accounts
  enable           Enable synchronization of an account
  disable          Disable synchronization of an account
  help             Show this help message

Examples:
  mailarchive-admin migrate --config /etc/mailarchive/config.toml
  mailarchive-admin add-proxy --url socks5://10.0.0.1:1080
  mailarchive-admin create-account --email user@example.com --host imap.example.com --password secret
  mailarchive-admin create-account --email user@example.com --host imap.example.com --password secret --folders INBOX,Archive
  mailarchive-admin disable --id 42

Use 'mailarchive-admin <command> --help' for more information about a command.
`)
}

// loadConfig reads the configuration file over the defaults. Unlike the
// daemon, the admin tool always requires the file to exist.
func loadConfig(path string) (config.Config, error) {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to load configuration from %s: %w", path, err)
	}
	return cfg, nil
}

func openDatabase(ctx context.Context, cfg config.Config) (*db.Database, error) {
	// Schema changes are only applied by the migrate command.
	cfg.Database.AutoMigrate = false
	return db.NewDatabaseFromConfig(ctx, &cfg.Database)
}

func handleMigrate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Printf(`Apply all pending database schema migrations

This command should be run while the mailarchive daemon is stopped. It uses a
database lock to ensure only one migration runs at a time.

Usage:
  mailarchive-admin migrate [options]

Options:
  --config string   Path to TOML configuration file (default: config.toml)
`)
	}
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if err := db.Migrate(ctx, cfg.Database.ConnString()); err != nil {
		return err
	}
	fmt.Println("Migrations applied")
	return nil
}

func handleCreateAccount(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create-account", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	email := fs.String("email", "", "Email address of the remote account (required)")
	host := fs.String("host", "", "IMAP server host (required)")
	port := fs.Int("port", 993, "IMAP server port")
	encryption := fs.String("encryption", "ssl", "Transport encryption (ssl, starttls, none)")
	authType := fs.String("auth", "password", "Authentication type (password, oauth2)")
	login := fs.String("login", "", "Login name, defaults to the email address")
	password := fs.String("password", "", "Password for password authentication")
	token := fs.String("token", "", "Access token for oauth2 authentication")
	proxyID := fs.Int64("proxy", 0, "Id of an outbound proxy registered with add-proxy")
	folders := fs.String("folders", "", "Comma-separated folder subscription, empty for the default set")
	insecure := fs.Bool("allow-invalid-certs", false, "Accept invalid server certificates")
	disabled := fs.Bool("disabled", false, "Create the account without enabling synchronization")
	fs.Usage = func() {
		fmt.Printf(`Register a remote IMAP account

Usage:
  mailarchive-admin create-account [options]

Options:
`)
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if *email == "" || *host == "" {
		fs.Usage()
		return fmt.Errorf("--email and --host are required")
	}
	switch *authType {
	case "password":
		if *password == "" {
			return fmt.Errorf("--password is required for password authentication")
		}
	case "oauth2":
		if *token == "" {
			return fmt.Errorf("--token is required for oauth2 authentication")
		}
	default:
		return fmt.Errorf("unsupported auth type %q", *authType)
	}
	switch *encryption {
	case "ssl", "starttls", "none":
	default:
		return fmt.Errorf("unsupported encryption %q", *encryption)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	sealer, err := credentials.NewSealer(cfg.Credentials.EncryptionKey)
	if err != nil {
		return err
	}
	if sealer == nil {
		fmt.Fprintln(os.Stderr, "Warning: credentials.encryption_key is not set, secrets are stored as plaintext")
	}

	account := &db.Account{
		Email:             *email,
		Type:              db.AccountTypeIMAP,
		Enabled:           !*disabled,
		Host:              *host,
		Port:              *port,
		Encryption:        *encryption,
		AuthType:          *authType,
		LoginName:         *login,
		AllowInvalidCerts: *insecure,
		SyncFolders:       splitFolders(*folders),
	}
	if *proxyID > 0 {
		account.ProxyID = proxyID
	}
	if account.Password, err = sealer.Seal(*password); err != nil {
		return err
	}
	if account.AccessToken, err = sealer.Seal(*token); err != nil {
		return err
	}

	database, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	id, err := database.CreateAccount(ctx, account)
	if err != nil {
		return err
	}
	fmt.Printf("Created account %d (%s)\n", id, *email)
	return nil
}

// splitFolders parses a comma-separated subscription. Blank entries are
// dropped; an empty string yields nil so the default set applies.
func splitFolders(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func handleAddProxy(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add-proxy", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	url := fs.String("url", "", "Proxy URL, e.g. socks5://10.0.0.1:1080 (required)")
	fs.Parse(args)

	if _, err := transport.ParseProxyURL(*url); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	database, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	id, err := database.CreateProxy(ctx, *url)
	if err != nil {
		return err
	}
	fmt.Printf("Created proxy %d\n", id)
	return nil
}

func handleListAccounts(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list-accounts", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	database, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	accounts, err := database.ListAccounts(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tTYPE\tENABLED\tSERVER\tSYNC FOLDERS")
	for _, a := range accounts {
		folders := "(default)"
		if len(a.SyncFolders) > 0 {
			folders = strings.Join(a.SyncFolders, ",")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s:%d\t%s\n", a.ID, a.Email, a.Type, a.Enabled, a.Host, a.Port, folders)
	}
	return w.Flush()
}

func handleSetEnabled(ctx context.Context, name string, enabled bool, args []string) error {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	id := fs.Int64("id", 0, "Account id (required)")
	fs.Parse(args)

	if *id <= 0 {
		return fmt.Errorf("--id is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	database, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.SetAccountEnabled(ctx, *id, enabled); err != nil {
		return err
	}
	fmt.Printf("Account %d %sd\n", *id, name)
	fmt.Println("A running daemon picks this up through its HTTP API or on restart")
	return nil
}
