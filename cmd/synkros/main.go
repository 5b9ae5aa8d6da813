package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"synkros/internal/client"
	"synkros/internal/core"
)

const defaultServer = "http://localhost:8080"

var (
	serverURL string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:           "synkros",
	Short:         "Share end-to-end encrypted files",
	Long:          "synkros encrypts files locally before they leave your machine. Keys travel only in the link fragment.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	server := os.Getenv("SYNKROS_SERVER")
	if server == "" {
		server = defaultServer
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", server, "synkros server URL (env SYNKROS_SERVER)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(sendCmd, getCmd, roomCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", describe(err))
		os.Exit(1)
	}
}

// describe prefers the user-facing message of a failed transfer.
func describe(err error) string {
	var te *client.TransferError
	if errors.As(err, &te) {
		slog.Debug("transfer failed", "stage", te.Stage, "error", te.Err)
		return te.UserMessage()
	}
	return err.Error()
}

// newExecutor runs crypto work on a pool sized to the machine; small
// payloads stay inline.
func newExecutor(f core.Fetcher) core.Executor {
	return core.NewExecutor(core.ExecutorConfig{
		Fetcher:         f,
		Workers:         runtime.NumCPU(),
		QueueSize:       runtime.NumCPU() * 2,
		InlineThreshold: 1 << 20,
	})
}
