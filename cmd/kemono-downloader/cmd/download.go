package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go-kemono-download/internal/config"
	"go-kemono-download/internal/events"
	"go-kemono-download/internal/helpers"
	"go-kemono-download/internal/models"
	"go-kemono-download/internal/orchestrator"
	"go-kemono-download/internal/siteurl"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var downloadCmd = &cobra.Command{
	Use:   "download [URL]",
	Short: "Download a creator feed or a single post",
	Long: `Downloads every post of a creator (https://kemono.su/{service}/user/{id}) or one post
(.../post/{id}). Flags override the values in config.toml.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	f := downloadCmd.Flags()
	f.Int("start-page", 0, "First feed page to fetch (1-based)")
	f.Int("end-page", 0, "Last feed page to fetch (0 for no limit)")
	f.StringP("filter", "f", "", `Character filter, e.g. "Tifa, (Cloud, Strife)~"`)
	f.String("filter-scope", "", "Where the character filter applies (title, files, both, comments)")
	f.StringSlice("skip-words", nil, "Skip posts/files containing these words (comma-separated)")
	f.String("skip-scope", "", "Where skip words apply (files, posts, both)")
	f.StringSlice("remove-words", nil, "Remove these words from saved filenames")
	f.String("file-filter", "", "Media types to keep (all, images, videos, archives_only, audio, only_links)")
	f.Bool("skip-zip", false, "Skip .zip files")
	f.Bool("skip-rar", false, "Skip .rar files")
	f.Bool("thumbnails", false, "Download thumbnails only")
	f.Bool("scan-content", false, "Also download images linked in the post body")
	f.Bool("links", false, "Report external links found in post bodies")
	f.Bool("separate-folders", true, "Sort files into character/title folders")
	f.Bool("subfolder-per-post", false, "Put each post in its own subfolder")
	f.Bool("date-prefix", false, "Prefix post subfolders with the post date")
	f.String("custom-folder", "", "Folder name for a single post download")
	f.Bool("manga", false, "Manga/comic mode: process posts oldest first")
	f.String("manga-style", "", "Manga filename style (original_name, post_title, date_based, post_title_global_numbering)")
	f.String("manga-prefix", "", "Prefix for date_based filenames")
	f.IntP("post-workers", "c", 0, "Posts processed concurrently")
	f.Int("file-threads", 0, "Files of a single post downloaded concurrently")
	f.Bool("multipart", true, "Split large files into concurrent range requests")
	f.Bool("compress", false, "Re-encode large images as WebP")
	f.Int("bandwidth", 0, "Bandwidth limit in KB/s (0 for unlimited)")
	f.Int("page-delay", -1, "Delay between feed pages in ms")
	f.Bool("cookies", false, "Send cookies with every request")
	f.String("cookie-text", "", `Cookie string, "name=value; name2=value2"`)
	f.String("cookie-file", "", "Netscape cookies.txt to use")
	f.Bool("history", true, "Skip files already downloaded in earlier sessions")
	f.Bool("index", false, "Add downloaded files to the search index")
	downloadCmd.Flags().Bool("show-config", false, "Print the effective configuration and exit")
	downloadCmd.Flags().String("links-file", "", "Also append external links found in post bodies to this file")

	f.VisitAll(func(fl *pflag.Flag) {
		_ = viper.BindPFlag(downloadKey(fl.Name), fl)
	})
}

func downloadKey(flag string) string {
	return "download." + strings.ReplaceAll(flag, "-", "_")
}

// applyDownloadFlags copies every explicitly set download flag over cfg.
func applyDownloadFlags(cmd *cobra.Command, cfg *models.Config) {
	str := func(flag string, dst *string) {
		if cmd.Flags().Changed(flag) {
			*dst = viper.GetString(downloadKey(flag))
		}
	}
	boolean := func(flag string, dst *bool) {
		if cmd.Flags().Changed(flag) {
			*dst = viper.GetBool(downloadKey(flag))
		}
	}
	integer := func(flag string, dst *int) {
		if cmd.Flags().Changed(flag) {
			*dst = viper.GetInt(downloadKey(flag))
		}
	}
	slice := func(flag string, dst *[]string) {
		if cmd.Flags().Changed(flag) {
			*dst = viper.GetStringSlice(downloadKey(flag))
		}
	}

	integer("start-page", &cfg.StartPage)
	integer("end-page", &cfg.EndPage)
	str("filter", &cfg.CharacterFilter)
	str("filter-scope", &cfg.FilterScope)
	slice("skip-words", &cfg.SkipWords)
	str("skip-scope", &cfg.SkipWordsScope)
	slice("remove-words", &cfg.RemoveFromFilename)
	str("file-filter", &cfg.FileFilter)
	boolean("skip-zip", &cfg.SkipZip)
	boolean("skip-rar", &cfg.SkipRar)
	boolean("thumbnails", &cfg.DownloadThumbnails)
	boolean("scan-content", &cfg.ScanContentImages)
	boolean("links", &cfg.ShowExternalLinks)
	boolean("separate-folders", &cfg.SeparateFolders)
	boolean("subfolder-per-post", &cfg.SubfolderPerPost)
	boolean("date-prefix", &cfg.DatePrefixSubfolder)
	str("custom-folder", &cfg.CustomFolderName)
	boolean("manga", &cfg.MangaMode)
	str("manga-style", &cfg.MangaFilenameStyle)
	str("manga-prefix", &cfg.MangaPrefix)
	integer("post-workers", &cfg.PostWorkers)
	integer("file-threads", &cfg.FileThreads)
	boolean("multipart", &cfg.UseMultipart)
	boolean("compress", &cfg.CompressImages)
	integer("bandwidth", &cfg.BandwidthLimitKBps)
	integer("page-delay", &cfg.PageDelayMs)
	boolean("cookies", &cfg.UseCookie)
	str("cookie-text", &cfg.CookieText)
	str("cookie-file", &cfg.SelectedCookieFile)
	boolean("history", &cfg.UseHistory)
	boolean("index", &cfg.IndexDownloads)

	// passing cookies implies --cookies unless it was set explicitly
	if (cmd.Flags().Changed("cookie-text") || cmd.Flags().Changed("cookie-file")) && !cmd.Flags().Changed("cookies") {
		cfg.UseCookie = true
	}
}

func runDownload(cmd *cobra.Command, args []string) error {
	cfg := globalConfig
	if len(args) > 0 {
		cfg.URL = args[0]
	}
	applyDownloadFlags(cmd, &cfg)
	config.ApplyDefaults(&cfg)
	if show, _ := cmd.Flags().GetBool("show-config"); show {
		return showConfig(os.Stdout, cfg)
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	registry := loadRegistry(cfg)
	if added := registry.AddFromFilters(helpers.ParseCharacterFilters(cfg.CharacterFilter)); added > 0 {
		if err := registry.Save(cfg.KnownNamesPath); err != nil {
			log.WithError(err).Warn("Could not save new known names")
		} else {
			log.Infof("Added %d filter name(s) to %s", added, cfg.KnownNamesPath)
		}
	}

	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	live := events.NewLiveSink()
	defer live.Stop()
	var sink events.Sink = live
	if path, _ := cmd.Flags().GetString("links-file"); path != "" {
		links, err := events.OpenLinkFile(path)
		if err != nil {
			return err
		}
		defer links.Close()
		sink = events.Multi{live, links}
		cfg.ShowExternalLinks = true
	}

	session, err := orchestrator.New(cfg, st.sessionOptions(sink, registry))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, runErr := session.Run(ctx)
	printSummary(summary, cfg.FailedDownloadsLog)
	if runErr != nil {
		return fmt.Errorf("download stopped: %w", runErr)
	}
	if summary.Cancelled {
		return errors.New("cancelled by user")
	}
	return nil
}

// showConfig prints the effective settings followed by the first request the session would make.
func showConfig(w io.Writer, cfg models.Config) error {
	shown := cfg
	if shown.CookieText != "" {
		shown.CookieText = "[REDACTED]"
	}
	out, err := json.MarshalIndent(shown, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	fmt.Fprintln(w, "--- Effective Config ---")
	fmt.Fprintln(w, string(out))

	request := map[string]any{}
	if target, err := siteurl.ParseURL(cfg.URL, true); err != nil {
		request["error"] = err.Error()
	} else {
		request["site"] = target.Site
		request["single_post"] = target.IsSinglePost()
		request["url"] = target.FeedURL()
		if target.IsSinglePost() {
			request["url"] = target.PostURL(target.PostID)
		}
	}
	out, err = json.MarshalIndent(request, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling request: %w", err)
	}
	fmt.Fprintln(w, "--- First Request ---")
	fmt.Fprintln(w, string(out))
	return nil
}

func printSummary(s orchestrator.Summary, failedLog string) {
	log.WithFields(log.Fields{
		"posts":      s.Posts,
		"downloaded": s.Downloaded,
		"skipped":    s.Skipped,
		"retryable":  len(s.Retryable),
		"failed":     len(s.Permanent),
	}).Info("Session finished")

	if len(s.KeptOriginalNames) > 0 {
		log.Infof("%d file(s) kept their original names:", len(s.KeptOriginalNames))
		for _, name := range s.KeptOriginalNames {
			log.Infof("  %s", name)
		}
	}
	if n := len(s.Retryable) + len(s.Permanent); n > 0 && failedLog != "" && !s.Cancelled {
		log.Warnf("%d file(s) failed; run 'kemono-downloader retry' to try them again (%s)", n, failedLog)
	}
}
