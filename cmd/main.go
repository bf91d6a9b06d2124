package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/drgo/vidrelay"
)

const version = "1.0.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vidrelay",
		Short:         "Resumable media transfer agent",
		Long:          "vidrelay moves media items from a remote file share to a video host,\none at a time, and can be killed and restarted without redoing work.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newStatusCmd(), newPurgeCmd())
	return root
}

// app bundles everything a command needs after configuration is loaded.
type app struct {
	settings *vidrelay.Settings
	agent    *vidrelay.Agent
	progress chan vidrelay.Progress
	logClose func()
}

func newApp(needRemotes bool) (*app, error) {
	settings, err := vidrelay.LoadSettings()
	if err != nil {
		return nil, err
	}
	a := &app{settings: settings, progress: make(chan vidrelay.Progress, 64), logClose: func() {}}

	if settings.LogFile != "" {
		f, err := os.OpenFile(settings.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			log.SetOutput(io.MultiWriter(os.Stderr, f))
			a.logClose = func() { f.Close() }
		}
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if needRemotes && (settings.SourceURL == "" || settings.DestURL == "") {
		return nil, fmt.Errorf("source.url and dest.url must be configured (env VIDRELAY_SOURCE_URL / VIDRELAY_DEST_URL)")
	}

	catalog, err := vidrelay.LoadCatalog(settings.CatalogPath)
	if err != nil {
		return nil, err
	}
	ledger, err := vidrelay.LoadLedger(settings.LedgerPath)
	if err != nil {
		return nil, err
	}
	resume := vidrelay.LoadResumeState(settings.ResumePath)

	sink := vidrelay.ChannelSink(a.progress)
	src := vidrelay.NewHTTPSource(settings.SourceURL, settings.SourceToken,
		vidrelay.WithSourceChunkSize(settings.ChunkSize))
	dst := vidrelay.NewHTTPDestination(settings.DestURL, settings.DestToken,
		vidrelay.WithDestChunkSize(settings.ChunkSize))

	a.agent = vidrelay.NewAgent(catalog, ledger, resume, src, dst,
		vidrelay.WithWorkDir(settings.WorkDir),
		vidrelay.WithDownloader(vidrelay.NewDownloader(src, vidrelay.WithDownloadProgress(sink))),
		vidrelay.WithUploader(vidrelay.NewUploader(dst, vidrelay.WithUploadProgress(sink))),
		vidrelay.WithCompressor(vidrelay.NewCompressor(
			vidrelay.WithCompressorWorkDir(settings.WorkDir),
			vidrelay.WithEncoderBinary(settings.EncoderBinary),
		)),
	)
	return a, nil
}

func newRunCmd() *cobra.Command {
	var (
		itemID string
		all    bool
		delay  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process the next item, a specific item, or the whole catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.logClose()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			done := make(chan struct{})
			go func() {
				defer close(done)
				renderProgress(cmd.OutOrStdout(), a.progress)
			}()
			defer func() {
				close(a.progress)
				<-done
				fmt.Fprintln(cmd.OutOrStdout())
			}()

			if all {
				if delay == 0 {
					delay = a.settings.InterItemDelay
				}
				return a.agent.ProcessAll(ctx, delay)
			}
			videoID, err := a.agent.Process(ctx, itemID)
			if err != nil {
				return err
			}
			log.WithField("video", videoID).Info("Done")
			return nil
		},
	}
	cmd.Flags().StringVar(&itemID, "id", "", "process this specific item instead of the next eligible one")
	cmd.Flags().BoolVar(&all, "all", false, "keep processing items until the catalog is drained")
	cmd.Flags().DurationVar(&delay, "delay", 0, "pause between items in --all mode (default from config)")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var reportFile bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report progress without transferring anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.logClose()

			st := a.agent.Status()
			out := cmd.OutOrStdout()
			printStatus(out, st)

			if reportFile {
				name := fmt.Sprintf("status_%s.txt", time.Now().Format("2006-01-02"))
				f, err := os.Create(name)
				if err != nil {
					return err
				}
				defer f.Close()
				writeReport(f, st)
				fmt.Fprintf(out, "\nReport written to %s\n", name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reportFile, "report", false, "also write a dated status report file")
	return cmd
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete temporary artifacts and reset resume state",
		Long:  "Deletes partially transferred files from the work directory and clears\nthe resume state. The completion ledger is never touched.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.logClose()
			if err := a.agent.Purge(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Purged temporary state.")
			return nil
		},
	}
}

func printStatus(w io.Writer, st vidrelay.Status) {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	bold.Fprintln(w, "Transfer status")
	fmt.Fprintf(w, "  Total items:  %d\n", st.Total)
	green.Fprintf(w, "  Published:    %d\n", st.Published)
	fmt.Fprintf(w, "  Remaining:    %d\n", st.Remaining())

	if len(st.InFlight) > 0 {
		yellow.Fprintln(w, "  In flight:")
		for id, rec := range st.InFlight {
			yellow.Fprintf(w, "    %s  %s (%s since %s)\n", id, rec.Name, rec.Stage, rec.StartedAt)
		}
	}
	if len(st.Next) > 0 {
		fmt.Fprintln(w, "  Next up:")
		for _, it := range st.Next {
			fmt.Fprintf(w, "    %s  %s\n", it.ID, it.Name)
		}
	}
}

func writeReport(w io.Writer, st vidrelay.Status) {
	fmt.Fprintf(w, "Transfer status - %s\n\n", time.Now().Format(time.RFC1123))
	fmt.Fprintf(w, "Total items: %d\nPublished: %d\nRemaining: %d\n", st.Total, st.Published, st.Remaining())
	if len(st.InFlight) > 0 {
		fmt.Fprintln(w, "\nIn-flight items:")
		for id, rec := range st.InFlight {
			fmt.Fprintf(w, "  %s: %s - %s (started %s)\n", id, rec.Name, rec.Stage, rec.StartedAt)
		}
	}
	if len(st.Next) > 0 {
		fmt.Fprintln(w, "\nNext items:")
		for _, it := range st.Next {
			fmt.Fprintf(w, "  %s: %s\n", it.ID, it.Name)
		}
	}
}

// renderProgress draws a single updating line, sized to the terminal.
func renderProgress(w io.Writer, ch <-chan vidrelay.Progress) {
	width := 80
	if cols, _, err := term.GetSize(int(os.Stderr.Fd())); err == nil && cols > 20 {
		width = cols
	}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var last vidrelay.Progress
	dirty := false
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				return
			}
			last = p
			dirty = true
		case <-ticker.C:
			if !dirty {
				continue
			}
			line := fmt.Sprintf("item %s: %s %d%%", last.ItemID, last.Stage, last.Percent)
			if len(line) > width-1 {
				line = line[:width-1]
			}
			fmt.Fprintf(w, "\r%-*s", width-1, line)
			dirty = false
		}
	}
}
