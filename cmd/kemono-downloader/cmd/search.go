package cmd

import (
	"errors"
	"fmt"
	"strings"

	index "go-kemono-download/index"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search [QUERY]",
	Short: "Search the index of downloaded files",
	Long: `Searches the Bleve index built by 'download --index'. Uses the Bleve query string
syntax, e.g. 'tifa', '+mediaType:video', 'creator:patreon/123 postTitle:pinup'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 20, "Maximum number of results")
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	indexPath := globalConfig.BleveIndexPath
	if indexPath == "" {
		return errors.New("index path is not configured (set SavePath or BleveIndexPath)")
	}

	// Open instead of OpenOrCreateIndex so a search never creates an index
	bleveIndex, err := bleve.Open(indexPath)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		return fmt.Errorf("no index at %s; run 'download --index' first", indexPath)
	}
	if err != nil {
		return fmt.Errorf("failed to open index at %s: %w", indexPath, err)
	}
	defer func() {
		if err := bleveIndex.Close(); err != nil {
			log.Errorf("Error closing Bleve index: %v", err)
		}
	}()

	res, err := index.SearchIndex(bleveIndex, query, searchLimit)
	if err != nil {
		return fmt.Errorf("error performing search: %w", err)
	}
	log.Debugf("Search finished. Hits: %d, Total: %d, Took: %s", len(res.Hits), res.Total, res.Took)

	if res.Total == 0 {
		fmt.Println("No results found matching your query.")
		return nil
	}
	for i, hit := range res.Hits {
		item := index.ItemFromHit(hit)
		fmt.Printf("[%d] %s (score %.2f)\n", i+1, item.Name, hit.Score)
		fmt.Printf("  post:    %s (%s)\n", item.PostTitle, item.PostID)
		fmt.Printf("  creator: %s %s\n", item.Site, item.Creator)
		fmt.Printf("  path:    %s\n", item.FilePath)
		if item.MagnetLink != "" {
			fmt.Printf("  magnet:  %s\n", item.MagnetLink)
		}
	}
	if int(res.Total) > len(res.Hits) {
		fmt.Printf("... %d more (use --limit)\n", int(res.Total)-len(res.Hits))
	}
	return nil
}
