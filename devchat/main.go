package main

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "devchat",
	Short:         "DevChat terminal client and local dev backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogger(flagVerbose)
	},
}

var (
	flagAPIURL   string
	flagWSURL    string
	flagSession  string
	flagCacheDir string
	flagVerbose  bool
)

func init() {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagAPIURL, "api-url", envOr("DEVCHAT_API_URL", "http://localhost:8000/api"), "REST API base URL (env DEVCHAT_API_URL)")
	flags.StringVar(&flagWSURL, "ws-url", os.Getenv("DEVCHAT_WS_URL"), "websocket origin; derived from --api-url when empty (env DEVCHAT_WS_URL)")
	flags.StringVar(&flagSession, "session", os.Getenv("DEVCHAT_SESSION"), "sessionid cookie value (env DEVCHAT_SESSION)")
	flags.StringVar(&flagCacheDir, "cache", os.Getenv("DEVCHAT_CACHE"), "optional directory for the local message cache via PebbleDB (env DEVCHAT_CACHE)")
	flags.BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
}

func setupLogger(verbose bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().
		Timestamp().
		Logger()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute devchat command")
	}
}
