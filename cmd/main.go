/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/blnkfinance/spool"
	"github.com/blnkfinance/spool/config"
	"github.com/blnkfinance/spool/internal/notification"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Spool represents the CLI application, encapsulating the root Cobra command.
type Spool struct {
	cmd *cobra.Command
}

// spoolInstance holds the runtime handle and its configuration for the
// subcommands.
type spoolInstance struct {
	spool *spool.Spool
	cnf   *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// loadConfig reads the configuration file named by the --config flag.
func loadConfig(app *spoolInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(*configFile); err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf
		return nil
	}
}

// connect opens every backing service. Commands that only need the
// configuration skip it.
func (app *spoolInstance) connect(ctx context.Context) error {
	s, err := spool.Init(ctx, app.cnf)
	if err != nil {
		notification.New(app.cnf.Notification.Slack).NotifyError(err, logrus.Fields{"stage": "init"})
		return err
	}
	app.spool = s
	return nil
}

func (app *spoolInstance) close() {
	if app.spool == nil {
		return
	}
	if err := app.spool.Shutdown(context.Background()); err != nil {
		logrus.WithError(err).Warn("error during shutdown")
	}
}

// NewCLI creates the command-line interface for spool.
func NewCLI() *Spool {
	var configFile string
	app := &spoolInstance{}

	var rootCmd = &cobra.Command{
		Use:          "spool",
		Short:        "Rotating content pipeline orchestrator",
		SilenceUsage: true,
		Run:          func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./spool.json", "Configuration file for spool")
	rootCmd.PersistentPreRunE = loadConfig(app, &configFile)

	rootCmd.AddCommand(serverCommands(app))
	rootCmd.AddCommand(workerCommands(app))
	rootCmd.AddCommand(migrateCommands(app))
	rootCmd.AddCommand(dispatchCommands(app))
	rootCmd.AddCommand(reconcileCommands(app))
	rootCmd.AddCommand(resetCycleCommands(app))
	rootCmd.AddCommand(configCommands(app))

	return &Spool{cmd: rootCmd}
}

func (w Spool) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
