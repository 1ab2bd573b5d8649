// Command perpengine is the entry point for the perpetual futures engine. It
// loads configuration, validates it, wires dependencies, sets up signal
// handling, and starts the application in the configured mode.
//
// Usage:
//
//	perpengine [-config path]
//	perpengine encrypt-key -out wallet.json
//
// encrypt-key reads the private key and password from
// PERPS_WALLET_PRIVATE_KEY and PERPS_WALLET_KEY_PASSWORD.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/perpengine/internal/app"
	"github.com/alanyoungcy/perpengine/internal/config"
	"github.com/alanyoungcy/perpengine/internal/crypto"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "encrypt-key" {
		if err := encryptKey(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-key: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "", "path to configuration file (default config.toml when present)")
	flag.Parse()
	if *configPath == "" {
		if _, err := os.Stat("config.toml"); err == nil {
			*configPath = "config.toml"
		}
	}

	// Setup structured JSON logger.
	logger := newLogger("info")
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("perpetuals engine starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", cfg.Redacted()),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			application.Close()
			os.Exit(1)
		}
	}

	logger.Info("perpetuals engine stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func encryptKey(args []string) error {
	fs := flag.NewFlagSet("encrypt-key", flag.ContinueOnError)
	out := fs.String("out", "wallet.json", "path of the encrypted key file to write")
	if err := fs.Parse(args); err != nil {
		return err
	}

	key := os.Getenv("PERPS_WALLET_PRIVATE_KEY")
	password := os.Getenv("PERPS_WALLET_KEY_PASSWORD")
	if key == "" || password == "" {
		return errors.New("PERPS_WALLET_PRIVATE_KEY and PERPS_WALLET_KEY_PASSWORD must be set")
	}
	k, err := crypto.LoadKey(crypto.KeyConfig{RawPrivateKey: key})
	if err != nil {
		return err
	}
	if err := crypto.WriteEncryptedKey(*out, k, password); err != nil {
		return err
	}
	fmt.Printf("encrypted key written to %s\n", *out)
	return nil
}
