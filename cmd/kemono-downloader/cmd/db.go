package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"go-kemono-download/internal/database"
	"go-kemono-download/internal/helpers"
	"go-kemono-download/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Inspect and maintain the download history",
	Long: `The download history records the content hash of every saved file so later sessions
can skip byte-identical files.`,
}

var dbViewCmd = &cobra.Command{
	Use:   "view",
	Short: "List the recorded files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHistory(func(db *database.DB) error {
			entries, err := db.Entries()
			if err != nil {
				return err
			}
			printEntries(os.Stdout, entries)
			return nil
		})
	},
}

var dbSearchCmd = &cobra.Command{
	Use:   "search [TEXT]",
	Short: "Find recorded files by filename, post title or folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHistory(func(db *database.DB) error {
			entries, err := db.Search(args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No matching entries.")
				return nil
			}
			printEntries(os.Stdout, entries)
			return nil
		})
	},
}

var dbVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that recorded files still exist and match their hashes",
	Args:  cobra.NoArgs,
	RunE:  runDbVerify,
}

var dbPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Forget recorded files so they can be downloaded again",
	Long: `Removes history entries. With --missing only entries whose file no longer exists are
removed; with --creator only entries of that creator (service/user_id).`,
	Args: cobra.NoArgs,
	RunE: runDbPrune,
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbViewCmd)
	dbCmd.AddCommand(dbSearchCmd)
	dbCmd.AddCommand(dbVerifyCmd)
	dbCmd.AddCommand(dbPruneCmd)

	dbVerifyCmd.Flags().Bool("check-hash", true, "Perform hash check for existing files")
	dbPruneCmd.Flags().Bool("missing", false, "Only prune entries whose file is gone")
	dbPruneCmd.Flags().String("creator", "", "Only prune entries of this creator (service/user_id)")
	dbPruneCmd.Flags().BoolP("all", "a", false, "Prune every entry")
}

func withHistory(fn func(db *database.DB) error) error {
	if globalConfig.DatabasePath == "" {
		return errors.New("database path is not set (set SavePath or DatabasePath)")
	}
	db, err := database.Open(globalConfig.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

func entryPath(e models.HistoryEntry) string {
	return filepath.Join(e.Folder, e.Filename)
}

func printEntries(w io.Writer, entries []models.HistoryEntry) {
	sort.Slice(entries, func(i, j int) bool { return entryPath(entries[i]) < entryPath(entries[j]) })
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Filename\tPost\tCreator\tFolder\tSaved\tHash")
	fmt.Fprintln(tw, "--------\t----\t-------\t------\t-----\t----")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s/%s/%s\t%s\t%s\t%s\n",
			e.Filename, e.PostTitle, e.Site, e.Service, e.UserID, e.Folder, e.SavedAt, e.Hash)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d entries\n", len(entries))
}

type verifyResult struct {
	OK, Mismatch, Missing int
}

// verifyEntries checks each entry's file on disk and logs the problems found.
func verifyEntries(entries []models.HistoryEntry, checkHash bool) verifyResult {
	var res verifyResult
	for _, e := range entries {
		path := entryPath(e)
		fields := log.Fields{"path": path, "post": e.PostID}
		if _, err := os.Stat(path); err != nil {
			res.Missing++
			log.WithFields(fields).Error("[MISSING] File not found.")
			continue
		}
		if checkHash && !helpers.CheckHash(path, e.Hash) {
			res.Mismatch++
			log.WithFields(fields).Warn("[MISMATCH] File exists but hash mismatch.")
			continue
		}
		res.OK++
		log.WithFields(fields).Debug("[OK] File verified.")
	}
	return res
}

func runDbVerify(cmd *cobra.Command, args []string) error {
	checkHash, _ := cmd.Flags().GetBool("check-hash")
	return withHistory(func(db *database.DB) error {
		entries, err := db.Entries()
		if err != nil {
			return err
		}
		res := verifyEntries(entries, checkHash)
		log.Infof("Verified %d entries: %d OK, %d hash mismatch, %d missing", len(entries), res.OK, res.Mismatch, res.Missing)
		if res.Missing > 0 {
			log.Info("Run 'db prune --missing' to forget missing files so they download again.")
		}
		return nil
	})
}

func runDbPrune(cmd *cobra.Command, args []string) error {
	missing, _ := cmd.Flags().GetBool("missing")
	creator, _ := cmd.Flags().GetString("creator")
	all, _ := cmd.Flags().GetBool("all")
	if !missing && creator == "" && !all {
		return errors.New("nothing selected: use --missing, --creator or --all")
	}

	return withHistory(func(db *database.DB) error {
		removed, err := db.Prune(func(e models.HistoryEntry) bool {
			if creator != "" && e.Service+"/"+e.UserID != creator {
				return false
			}
			if missing {
				if _, err := os.Stat(entryPath(e)); err == nil {
					return false
				}
			}
			return true
		})
		if err != nil {
			return err
		}
		log.Infof("Pruned %d history entries", removed)
		return nil
	})
}
