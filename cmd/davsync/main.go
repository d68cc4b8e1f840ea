package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/davsync/internal/config"
	"github.com/openmined/davsync/internal/utils"
	"github.com/openmined/davsync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	home, _        = os.UserHomeDir()
	defaultDataDir = filepath.Join(home, "DavSync")
	configFileName = "config"
)

var (
	red    = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green  = color.New(color.FgHiGreen).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
	cyan   = color.New(color.FgHiCyan).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:     "davsync",
	Short:   "Upload local files to an ownCloud compatible WebDAV server",
	Version: version.Detailed(),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().SortFlags = false
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "davsync config file")
	rootCmd.PersistentFlags().StringP("server", "s", "", "Server url, e.g. https://cloud.example.com")
	rootCmd.PersistentFlags().StringP("user", "u", "", "Account user name")
	rootCmd.PersistentFlags().StringP("datadir", "d", defaultDataDir, "Local sync root")
	rootCmd.PersistentFlags().String("remote-folder", "", "Target folder on the server, relative to the DAV root")
	rootCmd.PersistentFlags().Bool("insecure", false, "Skip TLS certificate verification")
}

func main() {
	logFile := config.DefaultLogFilePath

	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
		os.Exit(1)
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	stdoutHandler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	logInterceptor := utils.NewLogInterceptor(file)
	defer logInterceptor.Close()
	fileHandler := slog.NewTextHandler(logInterceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// time is added by the interceptor
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})
	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler)))

	// a .env next to the working directory may carry DAVSYNC_* overrides
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("dotenv", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(config.DefaultConfigDir)
		viper.AddConfigPath(filepath.Join(home, ".config", "davsync"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	flags := cmd.Flags()
	viper.BindPFlag("server_url", flags.Lookup("server"))
	viper.BindPFlag("user", flags.Lookup("user"))
	viper.BindPFlag("data_dir", flags.Lookup("datadir"))
	viper.BindPFlag("remote_folder", flags.Lookup("remote-folder"))
	viper.BindPFlag("insecure", flags.Lookup("insecure"))

	viper.SetEnvPrefix("DAVSYNC")
	viper.AutomaticEnv()

	return nil
}

// configFromViper assembles the effective config from file, env and flags.
func configFromViper(cmd *cobra.Command) (*config.Config, error) {
	path := viper.ConfigFileUsed()
	if path == "" {
		path = cmd.Flag("config").Value.String()
	}

	cfg := &config.Config{
		Path:               path,
		ServerURL:          viper.GetString("server_url"),
		RemotePath:         viper.GetString("remote_path"),
		RemoteFolder:       viper.GetString("remote_folder"),
		User:               viper.GetString("user"),
		DataDir:            viper.GetString("data_dir"),
		JournalPath:        viper.GetString("journal_path"),
		UploadLimit:        viper.GetInt64("upload_limit"),
		MaxParallel:        viper.GetInt("max_parallel"),
		PollInterval:       viper.GetDuration("poll_interval"),
		MaxResettingErrors: viper.GetInt("max_resetting_errors"),
		AsyncUpload:        viper.GetBool("async_upload"),
		ChecksumType:       viper.GetString("checksum_type"),
		Insecure:           viper.GetBool("insecure"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func credentialsPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.Path), filepath.Base(config.DefaultCredsPath))
}
