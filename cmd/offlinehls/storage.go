package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opd-ai/go-hls-offline/internal/storage"
)

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Inspect and manage the offline store",
}

var storageStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show storage accounting",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(func(store *storage.Manager) error {
			acc, err := store.GetAccounting()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "media\t%d\n", acc.MediaCount)
			fmt.Fprintf(w, "episodes\t%d (%d offline)\n", acc.EpisodeCount, acc.OfflineAssets)
			fmt.Fprintf(w, "segments\t%s\n", humanBytes(acc.SegmentBytes))
			fmt.Fprintf(w, "chunks\t%s (%d blobs)\n", humanBytes(acc.ChunkBytes), acc.ChunkedBlobs)
			fmt.Fprintf(w, "other blobs\t%s\n", humanBytes(acc.BlobBytes))
			fmt.Fprintf(w, "total\t%s of %s (%.1f%%)\n",
				humanBytes(acc.TotalBytes), humanBytes(acc.QuotaBytes), acc.Utilization*100)
			fmt.Fprintf(w, "on disk\t%s\n", humanBytes(acc.UsageBytes))
			fmt.Fprintf(w, "persistent\t%t\n", acc.Persistent)
			return w.Flush()
		})
	},
}

var storageListCmd = &cobra.Command{
	Use:   "list [media-id]",
	Short: "List stored episodes, optionally of one media",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		parent := ""
		if len(args) == 1 {
			parent = args[0]
		}
		return withStorage(func(store *storage.Manager) error {
			episodes, err := store.ListEpisodes(parent)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "EPISODE\tMEDIA\tSEQ\tQUALITY\tSIZE\tCOMPLETE\tLAST PLAYED")
			for _, ep := range episodes {
				complete, err := store.IsComplete(ep)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%t\t%s\n",
					ep.ID, ep.ParentID, ep.SequenceNumber, ep.Quality,
					humanBytes(ep.TotalByteSize), complete,
					ep.LastAccessed.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		})
	},
}

var storageDeleteCmd = &cobra.Command{
	Use:   "delete [episode-id]...",
	Short: "Delete episodes with their segments, chunks and subtitles",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(func(store *storage.Manager) error {
			for _, id := range args {
				if err := store.DeleteEpisode(id); err != nil {
					return fmt.Errorf("failed to delete %s: %w", id, err)
				}
				fmt.Printf("deleted %s\n", id)
			}
			return nil
		})
	},
}

var storageCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Evict least recently played episodes when over the eviction threshold",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(func(store *storage.Manager) error {
			before, err := store.GetAccounting()
			if err != nil {
				return err
			}
			if err := storage.NewCacheManager(&cfg.Storage, store, nil, logger).CleanupCache(); err != nil {
				return err
			}
			after, err := store.GetAccounting()
			if err != nil {
				return err
			}
			fmt.Printf("freed %s (%s remaining)\n",
				humanBytes(before.TotalBytes-after.TotalBytes), humanBytes(after.TotalBytes))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(storageCmd)
	storageCmd.AddCommand(storageStatsCmd, storageListCmd, storageDeleteCmd, storageCleanupCmd)
}

func withStorage(fn func(store *storage.Manager) error) error {
	store, err := openStorage()
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}
