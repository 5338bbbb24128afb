package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gosuda.org/portal/portal/core/cryptoops"
	"gosuda.org/portal/sdk"

	"github.com/knu-devchat/devchat-frontend/devserver"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the in-memory dev backend locally and optionally through portal relays",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var (
	flagRelayURLs []string
	flagPort      int
	flagName      string
	flagCredKey   string
	flagBacklog   int
	flagAIDelay   time.Duration
	flagOrigins   []string
)

func init() {
	flags := serveCmd.Flags()
	flags.StringSliceVar(&flagRelayURLs, "relay", splitList([]string{os.Getenv("RELAY")}), "portal relay URL(s); repeat or comma-separated (env RELAY)")
	flags.IntVar(&flagPort, "port", 8000, "local HTTP port (negative to disable)")
	flags.StringVar(&flagName, "name", "devchat", "backend display name on the relay")
	flags.StringVar(&flagCredKey, "cred-key", "", "optional relay credential private key (base64 encoded)")
	flags.IntVar(&flagBacklog, "backlog", 0, "messages pushed as message_history when a chat socket connects")
	flags.DurationVar(&flagAIDelay, "ai-delay", 800*time.Millisecond, "delay before the canned AI reply")
	flags.StringSliceVar(&flagOrigins, "origin", nil, "allowed CORS origins (default: the local vite dev server)")
	rootCmd.AddCommand(serveCmd)
}

func relayCredential(key string) (*cryptoops.Credential, error) {
	if key == "" {
		return sdk.NewCredential(), nil
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("decode cred key: %w", err)
	}
	cred, err := cryptoops.NewCredentialFromPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("new credential from private key: %w", err)
	}
	return cred, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext()
	defer stop()

	relays := splitList(flagRelayURLs)
	if len(relays) == 0 && flagPort < 0 {
		return errors.New("nothing to serve on: give --port or --relay")
	}

	srv := devserver.New(devserver.Config{
		BacklogOnConnect: flagBacklog,
		AIDelay:          flagAIDelay,
		AllowedOrigins:   flagOrigins,
		Logger:           &log.Logger,
	})

	var clients []*sdk.RDClient
	var listeners []net.Listener
	if len(relays) > 0 {
		cred, err := relayCredential(flagCredKey)
		if err != nil {
			return err
		}
		for _, u := range relays {
			client, err := sdk.NewClient(func(c *sdk.RDClientConfig) { c.BootstrapServers = []string{u} })
			if err != nil {
				log.Error().Err(err).Str("url", u).Msg("[devchat] new relay client failed")
				continue
			}
			clients = append(clients, client)
			ln, err := client.Listen(cred, flagName, []string{"http/1.1"})
			if err != nil {
				return fmt.Errorf("listen (%s): %w", u, err)
			}
			listeners = append(listeners, ln)
			log.Info().Str("relay", u).Str("name", flagName).Msg("[devchat] serving through relay")
		}
	}

	for i, ln := range listeners {
		go func() {
			if err := http.Serve(ln, srv); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
				log.Error().Err(err).Int("listener", i).Msg("[devchat] relay http error")
			}
		}()
	}

	var httpSrv *http.Server
	if flagPort >= 0 {
		httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", flagPort), Handler: srv, ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 60 * time.Second}
		log.Info().Msgf("[devchat] serving locally at http://127.0.0.1:%d", flagPort)
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("[devchat] local http stopped")
				stop()
			}
		}()
	}

	<-ctx.Done()
	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, c := range clients {
		_ = c.Close()
	}
	if httpSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("[devchat] http server shutdown error")
		}
	}
	srv.Close()
	log.Info().Msg("[devchat] shutdown complete")
	return nil
}
