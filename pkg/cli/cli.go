// Package cli provides the tm-bench command line: a manager that runs a
// benchmark against a worker pool, the worker itself and a few helpers to
// inspect benchmark configurations.
package cli

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/informalsystems/tm-bench/internal/logging"
	"github.com/informalsystems/tm-bench/pkg/bench"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config allows the command line to be embedded with a different name.
type Config struct {
	AppName      string
	AppShortDesc string
	AppLongDesc  string
}

func buildCLI(cli *Config, v *viper.Viper, logger logging.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           cli.AppName,
		Short:         cli.AppShortDesc,
		Long:          cli.AppLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initRuntime(cmd, v, logger)
		},
	}
	rootCmd.PersistentFlags().String("config", "", "An optional YAML or JSON file with runtime settings")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Increase output logging verbosity to DEBUG level")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log in JSON format")
	if err := bindFlags(v, rootCmd.PersistentFlags(), []flagBinding{
		{keyConfig, "config"},
		{keyVerbose, "verbose"},
		{keyLogJSON, "log-json"},
	}); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(
		newManagerCmd(v, logger),
		newWorkerCmd(v, logger),
		newValidateCmd(v),
		newListCmd(),
	)
	return rootCmd
}

// initRuntime reads the runtime config file, if any, and sets up logging.
// Logs go to stderr: stdout carries the results and, for a process worker,
// its messages to the manager.
func initRuntime(cmd *cobra.Command, v *viper.Viper, logger logging.Logger) error {
	if path := v.GetString(keyConfig); len(path) > 0 {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return bench.NewError(bench.ErrFailedToReadConfigFile, err, path)
		}
	}
	logging.Configure(cmd.ErrOrStderr(), v.GetBool(keyVerbose), v.GetBool(keyLogJSON))
	logger.Debug("Set logging level to DEBUG")
	return nil
}

// Run must be executed from your main function. It returns the process exit
// code.
func Run(cli *Config) int {
	return run(cli, os.Args[1:], os.Stdout, os.Stderr)
}

func run(cli *Config, args []string, stdout, stderr io.Writer) int {
	logger := logging.NewLogrusLogger("main")
	cmd := buildCLI(cli, bench.NewViper(), logger)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		logger.Error("Error", "err", err)
		return 1
	}
	return 0
}

func trapInterrupts(onKill func(), logger logging.Logger) chan struct{} {
	sigc := make(chan os.Signal, 1)
	cancelTrap := make(chan struct{})
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigc)
		select {
		case <-sigc:
			logger.Info("Caught kill signal")
			onKill()
		case <-cancelTrap:
			return
		}
	}()
	return cancelTrap
}
