package main

import (
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export [episode-id] [destination]",
	Short: "Write a stored asset to a file, with subtitles as sidecars",
	Long: `Export writes the asset atomically. Segmented episodes are concatenated
in index order. Without a destination the file lands under the configured
export directory as {media}/{sequence}-{episode}{ext}.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStorage()
		if err != nil {
			return err
		}
		defer store.Close()

		dst := ""
		if len(args) == 2 {
			dst = args[1]
		}
		return exportEpisode(cmd, store, args[0], dst)
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
}
