package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	murmur "github.com/putto11262002/murmur/app"
)

var (
	flagConfig string
	flagEnv    []string
	v          = murmur.NewViper()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "murmur",
	Short: "Ephemeral two-person chat relay",
	Long: `murmur serves short-lived chat rooms for exactly two people.
Rooms are created over HTTP, joined over a websocket and vanish once both
people leave. Shared files are kept for a limited time only.`,
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().StringSliceVar(&flagEnv, "env-file", nil, "dotenv files to load (default .env)")
	rootCmd.PersistentFlags().Int("port", 3000, "port to listen on")
	rootCmd.PersistentFlags().String("hostname", "0.0.0.0", "hostname to listen on")
	bindFlag(v, "port")
	bindFlag(v, "hostname")

	rootCmd.AddCommand(serveCmd)
}

func bindFlag(v *viper.Viper, name string) {
	if err := v.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", name, err))
	}
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprint(os.Stderr, murmur.FormatValidationErrors(err))
		os.Exit(1)
	}
}
