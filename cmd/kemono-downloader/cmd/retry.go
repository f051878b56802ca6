package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go-kemono-download/internal/config"
	"go-kemono-download/internal/events"
	"go-kemono-download/internal/orchestrator"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var retryFile string

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry the files that failed in the last download session",
	Long: `Reads the failed-downloads list written by 'download' (failed_downloads.json in the
save folder by default) and downloads those files again without walking the creator feed.`,
	Args: cobra.NoArgs,
	RunE: runRetry,
}

func init() {
	rootCmd.AddCommand(retryCmd)
	retryCmd.Flags().StringVar(&retryFile, "file", "", "Failed downloads list (default: FailedDownloadsLog from config)")
}

func runRetry(cmd *cobra.Command, args []string) error {
	cfg := globalConfig
	path := retryFile
	if path == "" {
		path = cfg.FailedDownloadsLog
	}
	if path == "" {
		return errors.New("no failed downloads list configured (set SavePath or --file)")
	}

	failed, err := orchestrator.LoadFailures(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Infof("Nothing to retry: %s does not exist", path)
		return nil
	}
	if err != nil {
		return err
	}
	descs := failed.All()
	if len(descs) == 0 {
		log.Info("Nothing to retry")
		return nil
	}
	if failed.URL != "" {
		cfg.URL = failed.URL
	}
	cfg.FailedDownloadsLog = path
	config.ApplyDefaults(&cfg)

	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	sink := events.NewLiveSink()
	defer sink.Stop()

	session, err := orchestrator.New(cfg, st.sessionOptions(sink, loadRegistry(cfg)))
	if err != nil {
		return err
	}
	log.Infof("Retrying %d file(s) from session %s", len(descs), failed.SessionID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := session.Retry(ctx, descs)
	printSummary(summary, path)
	if err != nil {
		return err
	}
	if n := len(summary.Retryable) + len(summary.Permanent); n > 0 {
		return fmt.Errorf("%d file(s) still failing", n)
	}
	return nil
}
