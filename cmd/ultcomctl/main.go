// Command ultcomctl is a terminal client for UltCom that signs in with a
// phone number and chats from the terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/klipach/ultcom/auth"
	"github.com/klipach/ultcom/config"
	"github.com/klipach/ultcom/logger"
	"github.com/klipach/ultcom/store"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyStore
	contextKeyToolkit
)

func getConfig(ctx *cli.Context) *config.Config {
	return ctx.Context.Value(contextKeyConfig).(*config.Config)
}

func getStore(ctx *cli.Context) store.Store {
	return ctx.Context.Value(contextKeyStore).(store.Store)
}

func getToolkit(ctx *cli.Context) *auth.IdentityToolkit {
	return ctx.Context.Value(contextKeyToolkit).(*auth.IdentityToolkit)
}

func getSessionPath() string {
	baseDir, _ := os.UserConfigDir()
	return filepath.Join(baseDir, "ultcomctl", "session.json")
}

func prepareApp(ctx *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if ctx.Bool("verbose") {
		cfg.Log.Level = "debug"
	} else if cfg.Log.Level == "info" {
		cfg.Log.Level = "warn"
	}
	if _, _, err := logger.Setup(ctx.Context, cfg); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	if cfg.Firebase.APIKey == "" {
		return fmt.Errorf("FIREBASE_API_KEY is not set")
	}
	toolkit := auth.NewIdentityToolkit(cfg.Firebase.APIKey, auth.WithBaseURL(cfg.Firebase.IdentityToolkit))

	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyToolkit, toolkit)
	ctx.Context = newCtx
	return nil
}

// requiresStore also opens the document store.
func requiresStore(ctx *cli.Context) error {
	if err := prepareApp(ctx); err != nil {
		return err
	}
	cfg := getConfig(ctx)
	projectID, err := cfg.ResolveProjectID(ctx.Context)
	if err != nil {
		return err
	}
	fs, err := store.NewFirestore(ctx.Context, projectID, cfg.ClientOptions()...)
	if err != nil {
		return err
	}
	ctx.Context = context.WithValue(ctx.Context, contextKeyStore, store.Store(fs))
	return nil
}

func closeStore(ctx *cli.Context) error {
	if s, ok := ctx.Context.Value(contextKeyStore).(store.Store); ok {
		return s.Close()
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "ultcomctl",
		Usage: "Chat on UltCom from the terminal",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "session",
				Usage: "Path to the saved session",
				Value: getSessionPath(),
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log debug output to stdout",
			},
		},
		Commands: []*cli.Command{
			loginCommand,
			logoutCommand,
			tokenCommand,
			inboxCommand,
			profileCommand,
			chatCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
