package cmd

import (
	"context"
	"fmt"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/spf13/cobra"

	murmur "github.com/putto11262002/murmur/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat relay (default)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := murmur.LoadDotEnv(flagEnv...); err != nil {
		return err
	}
	if flagConfig != "" {
		v.SetConfigFile(flagConfig)
	}

	config, err := murmur.LoadConfig(v)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	app, err := murmur.New(config)
	if err != nil {
		return err
	}
	if err := app.Start(); err != nil {
		return err
	}

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		config.ShutdownTimeout,
		app.ShutdownOperations(),
	)
	if code := <-wait; code != 0 {
		os.Exit(code)
	}
	return nil
}
