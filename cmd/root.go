/*
Copyright © 2026 QuantAxis
*/
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/quantaxis/market-data-service/internal/config"
	"github.com/quantaxis/market-data-service/internal/constant"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "market-data-service",
	Short: "Real-time futures market data distribution server",
	Long: `Market data distribution server sitting between upstream broker gateways
and downstream websocket clients.

The server multiplexes many upstream gateway sessions onto many downstream
subscribers, de-duplicates upstream subscriptions, snapshots the last tick per
instrument into Redis, and exposes the exchange instrument universe from a
shared-memory catalog.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func configureLogging() error {
	logrus.SetReportCaller(config.Env.Log.ShowCaller)

	if config.Env.Env == constant.ProductionEnvironment {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	logLevel, err := logrus.ParseLevel(config.Env.Log.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(logLevel)

	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: ./config.yml)")
}
