package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/opd-ai/go-hls-offline/internal/downloader"
	"github.com/opd-ai/go-hls-offline/internal/storage"
)

var (
	fetchEpisode  string
	fetchMedia    string
	fetchTitle    string
	fetchSequence int
	fetchQuality  string
	fetchKind     string
	fetchExport   bool
	fetchQuiet    bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch [url]",
	Short: "Download one stream or file into the offline store",
	Long: `Queue a single acquisition and wait for it to finish.

Master playlists with more than one quality need --quality. Without it the
available labels are listed and nothing is downloaded. An interrupted fetch
resumes from the last stored segment when run again with the same episode id.

Examples:
  offlinehls fetch --episode s01e01 --media show --quality 720p https://cdn.example.com/s01e01/master.m3u8
  offlinehls fetch --kind file --export https://cdn.example.com/movie.mp4`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().StringVar(&fetchEpisode, "episode", "",
		"episode id (derived from the URL when empty)")
	fetchCmd.Flags().StringVar(&fetchMedia, "media", "",
		"parent media id (defaults to the episode id)")
	fetchCmd.Flags().StringVar(&fetchTitle, "title", "", "display title")
	fetchCmd.Flags().IntVar(&fetchSequence, "sequence", 0, "episode number within the media")
	fetchCmd.Flags().StringVarP(&fetchQuality, "quality", "q", "",
		"quality label to download from a master playlist, e.g. 720p")
	fetchCmd.Flags().StringVar(&fetchKind, "kind", "",
		"force acquisition kind (hls or file); detected from the URL when empty")
	fetchCmd.Flags().BoolVar(&fetchExport, "export", false,
		"export the asset to the export directory when done")
	fetchCmd.Flags().BoolVar(&fetchQuiet, "quiet", false, "hide the progress bar")
}

// fetchWatcher renders one episode's progress and reports when its task
// settles.
type fetchWatcher struct {
	episodeID string
	bar       *progressbar.ProgressBar
	done      chan downloader.Task
}

func (w *fetchWatcher) OnTaskUpdate(task downloader.Task) {
	if task.EpisodeID != w.episodeID {
		return
	}
	if w.bar != nil {
		w.bar.Set(task.ProgressPercent)
	}
	if task.Status.IsFinished() || task.Status == downloader.StatusAwaitingQuality {
		select {
		case w.done <- task:
		default:
		}
	}
}

func runFetch(cmd *cobra.Command, args []string) error {
	url := args[0]

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStorage()
	if err != nil {
		return err
	}
	defer store.Close()

	downloads, _ := newDownloads(store)

	episode := fetchEpisode
	if episode == "" {
		episode = uuid.NewSHA1(uuid.NameSpaceURL, []byte(url)).String()
	}

	watcher := &fetchWatcher{episodeID: episode, done: make(chan downloader.Task, 1)}
	if !fetchQuiet {
		watcher.bar = progressbar.NewOptions(100,
			progressbar.OptionSetDescription(describe(episode)),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
	}
	downloads.AddObserver(watcher)

	// Start first so tasks persisted by an interrupted run are visible.
	if err := downloads.Start(ctx); err != nil {
		return err
	}
	defer downloads.Stop()

	if _, err := enqueueOrResume(downloads, downloader.Request{
		MediaID:        fetchMedia,
		EpisodeID:      episode,
		Title:          fetchTitle,
		SequenceNumber: fetchSequence,
		URL:            url,
		Quality:        fetchQuality,
		Kind:           downloader.Kind(fetchKind),
	}); err != nil {
		return err
	}

	var final downloader.Task
	select {
	case final = <-watcher.done:
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "\ninterrupted; run the same command again to resume")
		return ctx.Err()
	}
	if watcher.bar != nil {
		watcher.bar.Finish()
		fmt.Fprintln(os.Stderr)
	}

	switch final.Status {
	case downloader.StatusCompleted:
		record, err := store.GetEpisode(episode)
		if err != nil {
			return err
		}
		fmt.Printf("stored %s (%s)\n", episode, humanBytes(record.TotalByteSize))
		if fetchExport {
			return exportEpisode(cmd, store, episode, "")
		}
		return nil

	case downloader.StatusAwaitingQuality:
		labels := make([]string, len(final.AvailableQualities))
		for i, q := range final.AvailableQualities {
			labels[i] = q.Label
		}
		if err := downloads.Cancel(final.ID); err != nil {
			logger.Warn("Failed to drop parked task", "task_id", final.ID, "error", err)
		}
		return fmt.Errorf("choose a quality with --quality: %s", strings.Join(labels, ", "))

	default:
		return fmt.Errorf("download %s: %s", final.Status, final.LastError)
	}
}

// enqueueOrResume reuses a persisted task for the same episode, retrying it
// when it had failed.
func enqueueOrResume(downloads *downloader.Manager, req downloader.Request) (*downloader.Task, error) {
	for _, t := range downloads.Tasks() {
		if t.EpisodeID != req.EpisodeID {
			continue
		}
		if t.Status == downloader.StatusError {
			return downloads.Retry(t.ID)
		}
		return &t, nil
	}
	return downloads.Enqueue(req)
}

func describe(episode string) string {
	if fetchTitle != "" {
		return fetchTitle
	}
	return episode
}

func exportEpisode(cmd *cobra.Command, store *storage.Manager, episode, dst string) error {
	exporter := storage.NewExporter(store, cfg.Storage.ExportDirectory, logger)
	result, err := exporter.Export(cmd.Context(), episode, dst)
	if err != nil {
		return err
	}
	fmt.Printf("exported %s (%s, sha256 %s)\n", result.Path, humanBytes(result.Size), result.Checksum)
	for _, sub := range result.Subtitles {
		fmt.Printf("  subtitle %s\n", sub)
	}
	return nil
}
