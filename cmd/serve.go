/*
Copyright © 2026 QuantAxis
*/
package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/quantaxis/market-data-service/internal/bootstrap"
	"github.com/quantaxis/market-data-service/internal/config"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve [front_addr broker_id websocket_port]",
	Short: "Run the market data distribution server",
	Long: `Run the market data distribution server.

Without positional arguments the server is configured from the YAML config
file. The legacy three-argument form runs a single upstream connection:

  market-data-service serve tcp://180.168.146.187:10131 9999 8765`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 3 {
			return fmt.Errorf("expected no arguments or exactly 3 (front_addr broker_id websocket_port), got %d", len(args))
		}
		return nil
	},
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 3 {
			port, err := strconv.Atoi(args[2])
			if err != nil || port <= 0 || port > 65535 {
				return fmt.Errorf("invalid websocket port %q", args[2])
			}
			config.Env = config.Legacy(args[0], args[1], port)
		} else {
			if err := config.LoadConfig(configPath); err != nil {
				return err
			}
		}

		return configureLogging()
	},
	Run: bootstrap.StartServer,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
