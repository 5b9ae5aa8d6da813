package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"synkros/internal/client"
	"synkros/internal/core"
)

var (
	sendTo      string
	sendFrom    string
	sendNoQR    bool
	sendMaxSize int64
)

var sendCmd = &cobra.Command{
	Use:   "send <file>",
	Short: "Encrypt a file and upload it, printing a share link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		file, err := core.ParseFileArg(args, sendMaxSize)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(file.FullPath)
		if err != nil {
			return fmt.Errorf("reading %s: %w", file.Name, err)
		}

		api := client.NewClient(serverURL, nil)
		exec := newExecutor(nil)
		defer exec.Close()

		bar := newProgressBar(cmd.ErrOrStderr(), "prepare")
		pipeline := client.NewUploadPipeline(api, exec, func(s client.State) { bar.SetLabel(s.String()) })
		out, err := pipeline.Run(ctx, file.Name, data, bar.Update)
		bar.Done()
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintln(w, out.ShareURL)
		if !sendNoQR {
			printQR(w, out.ShareURL)
		}

		if sendTo != "" {
			if err := api.AddRecipient(ctx, out.UUID, sendFrom, sendTo); err != nil {
				var apiErr *client.APIError
				if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnprocessableEntity {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s was already notified\n", sendTo)
					return nil
				}
				return fmt.Errorf("adding recipient: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "notified %s (the link they receive has no key; send them the full URL above)\n", sendTo)
		}
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendTo, "to", "", "recipient email to record for the upload")
	sendCmd.Flags().StringVar(&sendFrom, "from", "", "sender email shown to the recipient")
	sendCmd.Flags().BoolVar(&sendNoQR, "no-qr", false, "do not print the link as a QR code")
	sendCmd.Flags().Int64Var(&sendMaxSize, "max-size", 500<<20, "refuse files larger than this many bytes")
}
