// capwatch is the telemetry collector: it accepts node connections and
// writes one line per reported event.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/capnetwork/capnode/telemetry"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "capwatch",
		Short: "Telemetry collector for capacity nodes",
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	var (
		listenAddr  string
		logFilePath string
	)

	var runCmd = &cobra.Command{
		Use:   "run",
		Short: "Accept telemetry connections and log events",
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := telemetry.NewServer(listenAddr, logFilePath)
			if err != nil {
				return err
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigChan
				srv.Stop()
			}()

			return srv.Start()
		},
	}
	runCmd.Flags().StringVar(&listenAddr, "listen", ":9910", "TCP listen address")
	runCmd.Flags().StringVar(&logFilePath, "logfile", "", "Append event lines to this file instead of stdout")

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("capwatch %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
