package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/chainpilot/chainpilot/pkg/audit"
	"github.com/chainpilot/chainpilot/pkg/chain"
	"github.com/chainpilot/chainpilot/pkg/config"
	"github.com/chainpilot/chainpilot/pkg/controller"
	"github.com/chainpilot/chainpilot/pkg/gateway"
	"github.com/chainpilot/chainpilot/pkg/ledger"
	"github.com/chainpilot/chainpilot/pkg/observability"
	"github.com/chainpilot/chainpilot/pkg/orchestrator"
	"github.com/chainpilot/chainpilot/pkg/rules"
	"github.com/chainpilot/chainpilot/pkg/session"
	"github.com/chainpilot/chainpilot/pkg/vault"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stderr)
	}
	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stderr)
	case "wallet":
		if len(args) < 3 {
			fmt.Fprintln(stderr, "Usage: chainpilot wallet <new|list>")
			return 2
		}
		return runWalletCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServe(args[1:], stderr)
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "ChainPilot — policy gateway between agents and the chain")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  chainpilot <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  serve        Run the gateway (default)")
	fmt.Fprintln(w, "  wallet new   Generate an encrypted wallet (--name, --keystore)")
	fmt.Fprintln(w, "  wallet list  List stored wallets")
	fmt.Fprintln(w, "  help         Show this help")
}

func runServe(args []string, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := cmd.String("config", "chainpilot.yaml", "Path to the YAML config file")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("chainpilot exited", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := ledger.Open(ledger.Driver(cfg.Database.Driver), cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	logger.Info("ledger ready", slog.String("driver", cfg.Database.Driver))

	v, err := vault.New(cfg.Keystore.Dir, vault.WithIterations(cfg.Keystore.KDFIterations))
	if err != nil {
		return err
	}

	engine, err := rules.New(store)
	if err != nil {
		return err
	}
	control, err := controller.New(store, controller.SecurityLevel(cfg.Controller.SecurityLevel), cfg.Controller.ApprovalExpiry)
	if err != nil {
		return err
	}
	logger.Info("controller ready", slog.String("level", cfg.Controller.SecurityLevel))

	transport, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return err
	}
	defer transport.Close()

	secret := []byte(cfg.Session.Secret)
	if len(secret) == 0 {
		secret = randomSecret()
		logger.Warn("session secret not configured, sessions will not survive restart")
	}
	sessions := session.NewManager(v, secret, cfg.Session.TTL)
	recorder := audit.NewRecorder(store, logger)

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:    "chainpilot",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		Insecure:       true,
	}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = telemetry.Shutdown(context.Background()) }()

	gasPrice, ok := new(big.Int).SetString(cfg.Chain.GasPriceWei, 10)
	if !ok {
		return fmt.Errorf("config: gas_price_wei %q is not an integer", cfg.Chain.GasPriceWei)
	}

	pipeline := orchestrator.New(orchestrator.Config{
		Store:       store,
		Engine:      engine,
		Controller:  control,
		Transport:   transport,
		Wallets:     sessions,
		Recorder:    recorder,
		Metrics:     telemetry,
		Logger:      logger,
		GasPriceWei: gasPrice,
	})

	if _, err := gateway.New(store, pipeline, engine, control, v, sessions, recorder, logger); err != nil {
		return err
	}

	logger.Info("chainpilot ready")
	err = pipeline.Run(ctx, cfg.Reconciler.PollInterval)
	if err == context.Canceled {
		logger.Info("shutting down")
		return nil
	}
	return err
}

func runWalletCmd(args []string, stdout, stderr io.Writer) int {
	switch args[0] {
	case "new":
		return runWalletNew(args[1:], stdout, stderr)
	case "list":
		return runWalletList(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown wallet subcommand: %s\n", args[0])
		return 2
	}
}

func runWalletNew(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("wallet new", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	name := cmd.String("name", "", "Wallet name (REQUIRED)")
	dir := cmd.String("keystore", "keystore", "Keystore directory")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *name == "" {
		fmt.Fprintln(stderr, "Error: --name is required")
		cmd.Usage()
		return 2
	}

	password, err := readPassword(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	v, err := vault.New(*dir)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	addr, err := v.Create(context.Background(), *name, password)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Created wallet %q\n", *name)
	fmt.Fprintf(stdout, "Address: %s\n", addr.Hex())
	return 0
}

func runWalletList(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("wallet list", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	dir := cmd.String("keystore", "keystore", "Keystore directory")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	v, err := vault.New(*dir)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	wallets, err := v.List()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(wallets) == 0 {
		fmt.Fprintln(stdout, "No wallets")
		return 0
	}
	for _, w := range wallets {
		fmt.Fprintf(stdout, "%-20s %s\n", w.Name, w.Address.Hex())
	}
	return 0
}

func readPassword(stderr io.Writer) (string, error) {
	fmt.Fprint(stderr, "Password: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(stderr)
	if err != nil {
		return "", err
	}
	fmt.Fprint(stderr, "Confirm: ")
	confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(stderr)
	if err != nil {
		return "", err
	}
	if string(pw) != string(confirm) {
		return "", fmt.Errorf("passwords do not match")
	}
	if len(pw) == 0 {
		return "", fmt.Errorf("password must be non-empty")
	}
	return string(pw), nil
}

func randomSecret() []byte {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic(err)
	}
	return secret
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug", "DEBUG":
		lvl = slog.LevelDebug
	case "warn", "WARN":
		lvl = slog.LevelWarn
	case "error", "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
