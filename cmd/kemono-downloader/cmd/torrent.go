package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-kemono-download/index"
	"go-kemono-download/internal/database"
	"go-kemono-download/internal/models"
)

type torrentJob struct {
	SourcePath     string
	Trackers       []string
	OutputDir      string
	Overwrite      bool
	GenerateMagnet bool
	Entries        []models.HistoryEntry
}

type torrentResult struct {
	Job         torrentJob
	TorrentPath string
	MagnetURI   string
}

func torrentWorker(id int, jobs <-chan torrentJob, results chan<- torrentResult, wg *sync.WaitGroup, failures *atomic.Int64) {
	defer wg.Done()
	for job := range jobs {
		log.WithField("directory", job.SourcePath).Debugf("Worker %d: generating torrent", id)
		torrentPath, magnet, err := generateTorrentFile(job.SourcePath, job.Trackers, job.OutputDir, job.Overwrite, job.GenerateMagnet)
		if err != nil {
			log.WithError(err).Errorf("Worker %d: failed to generate torrent for %s", id, job.SourcePath)
			failures.Add(1)
			continue
		}
		results <- torrentResult{Job: job, TorrentPath: torrentPath, MagnetURI: magnet}
	}
}

var (
	torrentCreator      string
	announceURLs        []string
	torrentOutputDir    string
	overwriteTorrents   bool
	generateMagnetLinks bool
	torrentUpdateIndex  bool
)

var torrentCmd = &cobra.Command{
	Use:   "torrent",
	Short: "Generate .torrent files for downloaded folders",
	Long: `Generates BitTorrent metainfo (.torrent) files for every folder recorded in the download
history. You must specify tracker announce URLs.`,
	Args: cobra.NoArgs,
	RunE: runTorrent,
}

func init() {
	rootCmd.AddCommand(torrentCmd)

	torrentCmd.Flags().StringSliceVar(&announceURLs, "announce", []string{}, "Tracker announce URL (repeatable)")
	torrentCmd.Flags().StringVar(&torrentCreator, "creator", "", "Only folders holding files of this creator (service/user_id)")
	torrentCmd.Flags().StringVarP(&torrentOutputDir, "output-dir", "o", "", "Directory to save generated .torrent files (default: inside each folder)")
	torrentCmd.Flags().BoolVarP(&overwriteTorrents, "overwrite", "f", false, "Overwrite existing .torrent files")
	torrentCmd.Flags().BoolVar(&generateMagnetLinks, "magnet-links", false, "Write a -magnet.txt file next to each .torrent file")
	torrentCmd.Flags().BoolVar(&torrentUpdateIndex, "update-index", false, "Store torrent paths and magnet links in the search index")
	torrentCmd.Flags().IntP("concurrency", "c", 4, "Number of concurrent torrent generation workers")
}

// torrentFolders groups history entries by folder, keeping only folders with a file of creator.
func torrentFolders(entries []models.HistoryEntry, creator string) map[string][]models.HistoryEntry {
	byFolder := make(map[string][]models.HistoryEntry)
	selected := make(map[string]bool)
	for _, e := range entries {
		if e.Folder == "" || e.Filename == "" {
			continue
		}
		byFolder[e.Folder] = append(byFolder[e.Folder], e)
		if creator == "" || e.Service+"/"+e.UserID == creator {
			selected[e.Folder] = true
		}
	}
	for folder := range byFolder {
		if !selected[folder] {
			delete(byFolder, folder)
		}
	}
	return byFolder
}

func runTorrent(cmd *cobra.Command, args []string) error {
	if len(announceURLs) == 0 {
		return errors.New("at least one --announce URL is required")
	}
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	if concurrency <= 0 {
		log.Warnf("Invalid concurrency value %d, defaulting to 4", concurrency)
		concurrency = 4
	}

	var entries []models.HistoryEntry
	err := withHistory(func(db *database.DB) error {
		var err error
		entries, err = db.Entries()
		return err
	})
	if err != nil {
		return fmt.Errorf("error reading download history: %w", err)
	}
	folders := torrentFolders(entries, torrentCreator)
	if len(folders) == 0 {
		log.Info("No downloaded folders found in the history.")
		return nil
	}

	var idx bleve.Index
	if torrentUpdateIndex {
		idx, err = index.OpenOrCreateIndex(globalConfig.BleveIndexPath)
		if err != nil {
			return fmt.Errorf("error opening index: %w", err)
		}
		defer idx.Close()
	}

	log.Infof("Generating torrents for %d folders using %d workers...", len(folders), concurrency)
	jobs := make(chan torrentJob, concurrency)
	results := make(chan torrentResult, len(folders))
	var wg sync.WaitGroup
	var failures atomic.Int64
	for i := 1; i <= concurrency; i++ {
		wg.Add(1)
		go torrentWorker(i, jobs, results, &wg, &failures)
	}
	for folder, files := range folders {
		jobs <- torrentJob{
			SourcePath:     folder,
			Trackers:       announceURLs,
			OutputDir:      torrentOutputDir,
			Overwrite:      overwriteTorrents,
			GenerateMagnet: generateMagnetLinks || torrentUpdateIndex,
			Entries:        files,
		}
	}
	close(jobs)
	wg.Wait()
	close(results)

	success := 0
	for res := range results {
		success++
		if idx == nil || res.TorrentPath == "" {
			continue
		}
		for _, e := range res.Job.Entries {
			item := index.ItemFromEntry(e, entryPath(e))
			item.TorrentPath = res.TorrentPath
			item.MagnetLink = res.MagnetURI
			if err := index.IndexItem(idx, item); err != nil {
				log.WithError(err).Warnf("Could not update index for %s", item.FilePath)
			}
		}
	}

	failCount := failures.Load()
	log.Infof("Torrent generation complete. Success: %d, Failed: %d", success, failCount)
	if failCount > 0 {
		return fmt.Errorf("%d torrents failed to generate", failCount)
	}
	return nil
}

// generateTorrentFile creates a .torrent file for the directory sourcePath and returns its path.
// An existing file is kept unless overwrite is set; its path is returned with an empty magnet.
func generateTorrentFile(sourcePath string, trackers []string, outputDir string, overwrite bool, generateMagnetLinks bool) (string, string, error) {
	stat, err := os.Stat(sourcePath)
	if err != nil {
		return "", "", fmt.Errorf("error stating source path %s: %w", sourcePath, err)
	}
	if !stat.IsDir() {
		return "", "", fmt.Errorf("source path is not a directory: %s", sourcePath)
	}

	torrentFileName := fmt.Sprintf("%s.torrent", filepath.Base(sourcePath))
	outPath := filepath.Join(sourcePath, torrentFileName)
	if outputDir != "" {
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return "", "", fmt.Errorf("error creating output directory %s: %w", outputDir, err)
		}
		outPath = filepath.Join(outputDir, torrentFileName)
	}

	if _, err := os.Stat(outPath); err == nil {
		if !overwrite {
			log.WithField("path", outPath).Info("Skipping existing torrent file (use --overwrite to replace)")
			return outPath, "", nil
		}
		log.WithField("path", outPath).Warn("Overwriting existing torrent file")
	}

	mi := metainfo.MetaInfo{
		AnnounceList: make([][]string, len(trackers)),
		CreatedBy:    "kemono-downloader",
	}
	for i, tracker := range trackers {
		mi.AnnounceList[i] = []string{tracker}
	}
	if len(trackers) > 0 {
		mi.Announce = trackers[0]
	}

	const pieceLength = 512 * 1024
	info := metainfo.Info{PieceLength: pieceLength}
	if err := info.BuildFromFilePath(sourcePath); err != nil {
		return "", "", fmt.Errorf("error building torrent info from path %s: %w", sourcePath, err)
	}
	if mi.InfoBytes, err = bencode.Marshal(info); err != nil {
		return "", "", fmt.Errorf("error marshaling torrent info: %w", err)
	}

	f, err := os.Create(outPath)
	if err != nil {
		return "", "", fmt.Errorf("error creating torrent file %s: %w", outPath, err)
	}
	defer f.Close()
	if err := mi.Write(f); err != nil {
		return "", "", fmt.Errorf("error writing torrent file %s: %w", outPath, err)
	}
	log.WithField("path", outPath).Info("Generated torrent file")

	if !generateMagnetLinks {
		return outPath, "", nil
	}
	magnetParts := []string{
		fmt.Sprintf("magnet:?xt=urn:btih:%s", mi.HashInfoBytes().HexString()),
		fmt.Sprintf("dn=%s", url.QueryEscape(stat.Name())),
	}
	for _, tracker := range trackers {
		magnetParts = append(magnetParts, fmt.Sprintf("tr=%s", url.QueryEscape(tracker)))
	}
	magnetURI := strings.Join(magnetParts, "&")
	magnetPath := filepath.Join(filepath.Dir(outPath), strings.TrimSuffix(torrentFileName, ".torrent")+"-magnet.txt")
	if err := os.WriteFile(magnetPath, []byte(magnetURI), 0644); err != nil {
		log.WithError(err).WithField("path", magnetPath).Error("Failed to write magnet link file")
	}
	return outPath, magnetURI, nil
}
