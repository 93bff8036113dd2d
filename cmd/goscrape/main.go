// Command goscrape runs the scraping tool server and its maintenance
// operations.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hyperifyio/goscrape/internal/auth"
	"github.com/hyperifyio/goscrape/internal/config"
	"github.com/hyperifyio/goscrape/internal/crawler"
	"github.com/hyperifyio/goscrape/internal/fetch"
	"github.com/hyperifyio/goscrape/internal/housekeeper"
	"github.com/hyperifyio/goscrape/internal/logging"
	"github.com/hyperifyio/goscrape/internal/newsparser"
	"github.com/hyperifyio/goscrape/internal/profile"
	"github.com/hyperifyio/goscrape/internal/ratelimit"
	"github.com/hyperifyio/goscrape/internal/rest"
	"github.com/hyperifyio/goscrape/internal/robots"
	"github.com/hyperifyio/goscrape/internal/session"
	"github.com/hyperifyio/goscrape/internal/tools"
)

var verbose bool

func main() {
	root := &cobra.Command{
		Use:           "goscrape",
		Short:         "Web scraping tool server with session storage and a news feed parser",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.AddCommand(serveCmd(), pruneSizeCmd(), sessionsCmd(), statsCmd(), purgeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.Config) (*logging.Logger, func()) {
	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if verbose || cfg.Verbose {
		level = zerolog.DebugLevel
	}
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	if cfg.LogSinkURL == "" {
		return logging.New(zl, nil), func() {}
	}
	sink := logging.NewSink(cfg.LogSinkURL, cfg.LogSinkAPIKey, 1024, zl)
	sink.Start()
	return logging.New(zl, sink), sink.Close
}

// buildKeeper wires store and housekeeper for the maintenance commands.
func buildKeeper(cfg config.Config, log *logging.Logger) (*housekeeper.Keeper, *session.Store, error) {
	store, err := session.Open(cfg.StorageRoot)
	if err != nil {
		return nil, nil, err
	}
	keeper := housekeeper.New(store, log, housekeeper.Config{
		Root:       cfg.StorageRoot,
		MaxBytes:   cfg.MaxStorageBytes(),
		Interval:   cfg.PruneInterval,
		StaleAfter: cfg.StaleLockAfter,
	})
	return keeper, store, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the tool server, REST endpoints and housekeeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, closeLog := setupLogger(cfg)
			defer closeLog()

			keeper, store, err := buildKeeper(cfg, log)
			if err != nil {
				return err
			}

			registry, err := newsparser.NewRegistry()
			if err != nil {
				return err
			}
			if cfg.ProfilesDir != "" {
				if err := registry.LoadDir(cfg.ProfilesDir); err != nil {
					return err
				}
			}

			settings := profile.NewSettings()
			limiter := ratelimit.New(settings.RateDelay)
			robotsCache := robots.NewCache(nil, log)
			client := fetch.NewClient(nil, settings, robotsCache, limiter, log)

			var verifier auth.TokenVerifier
			if cfg.JWTSecret != "" {
				verifier = &auth.JWTVerifier{Secret: []byte(cfg.JWTSecret)}
			}

			svc := tools.NewService(settings, client, crawler.New(client, log), store,
				newsparser.NewParser(registry, log), log, cfg.PublicBaseURL)
			toolReg := tools.NewRegistry()
			if err := svc.RegisterAll(toolReg); err != nil {
				return err
			}
			dispatcher := tools.NewDispatcher(toolReg, verifier, log)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go keeper.Run(ctx)

			restServer := rest.NewServer(store, verifier, log, cfg.PublicBaseURL)
			router := restServer.Router()
			router.GET("/tools", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"success": true, "tools": toolReg.Names()})
			})
			router.POST("/tools/:name", func(c *gin.Context) {
				raw, err := c.GetRawData()
				if err != nil {
					c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
					return
				}
				env := dispatcher.Dispatch(c.Request.Context(), c.Param("name"), raw)
				status := http.StatusOK
				if ok, _ := env["success"].(bool); !ok {
					status = http.StatusBadRequest
				}
				c.JSON(status, env)
			})

			srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}
			errCh := make(chan error, 1)
			go func() {
				log.Event("server_started", logging.Scope{}, map[string]string{
					"listen_addr": cfg.ListenAddr,
					"tools":       fmt.Sprint(toolReg.Names()),
				})
				errCh <- srv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return err
				}
				log.Event("server_stopped", logging.Scope{}, nil)
				return nil
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}
}

func pruneSizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune-size",
		Short: "Prune oldest sessions until the store fits the size budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, closeLog := setupLogger(cfg)
			defer closeLog()

			keeper, _, err := buildKeeper(cfg, log)
			if err != nil {
				return err
			}
			sum, err := keeper.RunOnce()
			if err != nil {
				return err
			}
			printJSON(cmd, sum)
			if sum.ExitCode != 0 {
				os.Exit(sum.ExitCode)
			}
			return nil
		},
	}
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List all stored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, closeLog := setupLogger(cfg)
			defer closeLog()

			_, store, err := buildKeeper(cfg, log)
			if err != nil {
				return err
			}
			snap, err := store.Index.Snapshot()
			if err != nil {
				return err
			}
			list := make([]session.Session, 0, len(snap))
			for _, rec := range snap {
				list = append(list, rec)
			}
			printJSON(cmd, list)
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Report session store totals by content type",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, closeLog := setupLogger(cfg)
			defer closeLog()

			keeper, _, err := buildKeeper(cfg, log)
			if err != nil {
				return err
			}
			stats, err := keeper.Stats()
			if err != nil {
				return err
			}
			printJSON(cmd, stats)
			return nil
		},
	}
}

func purgeCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("purge deletes all sessions; rerun with --yes to confirm")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, closeLog := setupLogger(cfg)
			defer closeLog()

			keeper, _, err := buildKeeper(cfg, log)
			if err != nil {
				return err
			}
			sum, err := keeper.Purge()
			if err != nil {
				return err
			}
			printJSON(cmd, sum)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "encode output:", err)
		return
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(raw))
}
