package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-kemono-download/internal/api"
	"go-kemono-download/internal/config"
	"go-kemono-download/internal/models"
)

var (
	cfgFile      string
	logApiFlag   bool
	savePathFlag string
	baseDirFlag  string
	logLevel     string
	logFormat    string
)

// globalConfig holds the loaded configuration
var globalConfig models.Config

// globalHttpTransport is the API transport, wrapped for request logging when --log-api is set
var globalHttpTransport http.RoundTripper

var rootCmd = &cobra.Command{
	Use:   "kemono-downloader",
	Short: "Download creator posts from kemono and coomer",
	Long: `kemono-downloader fetches the posts of a creator feed or a single post from
kemono.su / coomer.su and saves their files, sorted into folders by character or title.`,
	PersistentPreRunE: loadGlobalConfig,
	SilenceUsage:      true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	defer func() {
		if lt, ok := globalHttpTransport.(*api.LoggingTransport); ok && lt != nil {
			if err := lt.Close(); err != nil {
				log.WithError(err).Error("Error closing API log file")
			}
		}
	}()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.toml", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&logApiFlag, "log-api", false, "Log API requests/responses to api.log (overrides config)")
	rootCmd.PersistentFlags().StringVar(&savePathFlag, "save-path", "", "Download folder (overrides config)")
	rootCmd.PersistentFlags().StringVar(&baseDirFlag, "base-dir", "", "Folder holding cookies.txt and Known.txt (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Logging format (text, json)")
}

func initLogging() {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.WithError(err).Warnf("Invalid log level '%s', using default 'info'", logLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	switch logFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		log.Warnf("Invalid log format '%s', using default 'text'", logFormat)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	log.Debugf("Logging configured: Level=%s, Format=%s", log.GetLevel(), logFormat)
}

// loadGlobalConfig loads config.toml, applies the persistent flag overrides and sets up the API transport.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	initLogging()

	var err error
	globalConfig, err = config.LoadConfig(cfgFile)
	if err != nil {
		// commands check the fields they need
		log.WithError(err).Warnf("Failed to load configuration from %s", cfgFile)
	}

	if cmd.Flags().Changed("log-api") {
		globalConfig.LogApiRequests = logApiFlag
	}
	if cmd.Flags().Changed("save-path") {
		if savePathFlag != "" {
			globalConfig.SavePath = savePathFlag
			// derived paths follow the new save path
			globalConfig.DatabasePath, globalConfig.BleveIndexPath, globalConfig.FailedDownloadsLog = "", "", ""
		} else {
			log.Warn("--save-path flag provided but value is empty, ignoring.")
		}
	}
	if cmd.Flags().Changed("base-dir") && baseDirFlag != "" {
		globalConfig.BaseDir = baseDirFlag
		globalConfig.KnownNamesPath = ""
	}
	config.ApplyDefaults(&globalConfig)

	logPath := "api.log"
	if globalConfig.SavePath != "" {
		if _, statErr := os.Stat(globalConfig.SavePath); statErr == nil {
			logPath = filepath.Join(globalConfig.SavePath, logPath)
		}
	}
	globalHttpTransport = api.NewTransport(globalConfig, logPath)
	return nil
}
