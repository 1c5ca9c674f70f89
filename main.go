package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"tango_bot/broker"
	"tango_bot/config"
	"tango_bot/logs"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "tango_bot",
		Usage: "P&L-driven hedge and trailing-stop engine for MT5 positions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the config.yaml file",
				Value:   "config/config.yaml",
			},
		},
		Action: runAction,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run the control loop until interrupted (default)",
				Action: runAction,
			},
			{
				Name:      "open",
				Usage:     "Open one initial position of the configured lot size",
				ArgsUsage: "BUY|SELL",
				Action:    openAction,
			},
			{
				Name:   "close-all",
				Usage:  "Close every position carrying the configured magic number",
				Action: closeAllAction,
			},
			{
				Name:   "status",
				Usage:  "Print the managed positions and realized profit as JSON",
				Action: statusAction,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads .env and the config file, initializes logging and builds the orchestrator.
func setup(cmd *cli.Command) (*Orchestrator, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Println("Note: .env file not found, will continue using system environment variables.")
	}

	configPath := cmd.String("config")
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("unable to load config file '%s': %w", configPath, err)
	}
	envCfg := config.LoadEnvConfig()
	if err := cfg.ApplyEnv(envCfg); err != nil {
		return nil, err
	}

	symbolUpper := strings.ToUpper(cfg.Symbol)
	logFilename := fmt.Sprintf("%s/%s_bot.log", cfg.Normal.LogDirectory, symbolUpper)
	stateFilename := fmt.Sprintf("%s/%s_state.json", cfg.Normal.StateDirectory, symbolUpper)

	if err := logs.Init(cfg.Logs, logFilename); err != nil {
		return nil, fmt.Errorf("failed to initialize logging system: %w", err)
	}
	logs.Infof("Configuration loaded successfully, logs will be written to: %s", logFilename)

	o, err := NewOrchestrator(cfg, envCfg, stateFilename)
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("failed to initialize orchestrator: %w", err)
	}
	return o, nil
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	o, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logs.Close()
	defer o.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logs.Info("Received close signal, starting graceful shutdown...")
		cancel()
	}()

	if err := o.Run(ctx); err != nil {
		return err
	}
	logs.Info("All services stopped successfully.")
	return nil
}

func openAction(ctx context.Context, cmd *cli.Command) error {
	dir, err := broker.ParseDirection(cmd.Args().First())
	if err != nil {
		return err
	}
	o, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logs.Close()
	defer o.Close()

	ticket, err := o.Loop().OpenInitial(ctx, dir)
	if err != nil {
		return err
	}
	fmt.Printf("Opened %s position #%d\n", dir, ticket)
	return nil
}

func closeAllAction(ctx context.Context, cmd *cli.Command) error {
	o, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logs.Close()
	defer o.Close()

	n, err := o.Loop().CloseAll(ctx)
	fmt.Printf("Closed %d position(s)\n", n)
	return err
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	o, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logs.Close()
	defer o.Close()

	s, err := o.Loop().Status(ctx)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
