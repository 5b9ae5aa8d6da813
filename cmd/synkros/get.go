package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"synkros/internal/client"
)

var getDir string

var getCmd = &cobra.Command{
	Use:   "get <share-url>",
	Short: "Download and decrypt a shared file",
	Long:  "Download and decrypt a shared file. The URL must include the #key fragment; it is never sent to the server.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		exec := newExecutor(client.NewHTTPFetcher(nil))
		defer exec.Close()

		bar := newProgressBar(cmd.ErrOrStderr(), "prepare")
		pipeline := client.NewDownloadPipeline(nil, exec, func(s client.State) { bar.SetLabel(s.String()) })
		file, err := pipeline.Run(ctx, args[0], bar.Update)
		bar.Done()
		if err != nil {
			return err
		}

		path, err := client.SaveTo(getDir, file.Name, file.Data)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%d bytes)\n", path, len(file.Data))
		return nil
	},
}

func init() {
	getCmd.Flags().StringVarP(&getDir, "output", "o", ".", "directory to save into")
}
