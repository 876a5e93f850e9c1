package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Ahm3tJ4f/song-pal-bot/internal/adapters/db/store"
	httpadapter "github.com/Ahm3tJ4f/song-pal-bot/internal/adapters/http"
	rpcadapter "github.com/Ahm3tJ4f/song-pal-bot/internal/adapters/rpcjson"
	"github.com/Ahm3tJ4f/song-pal-bot/internal/adapters/telegram"
	"github.com/Ahm3tJ4f/song-pal-bot/internal/application"
	"github.com/Ahm3tJ4f/song-pal-bot/internal/config"
	"github.com/Ahm3tJ4f/song-pal-bot/internal/domain"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func main() {
	args := os.Args
	if len(args) == 1 {
		args = append(args, "--help")
	}

	root := &cli.Command{
		Name:  "songpal",
		Usage: "Song Pal bot server and operator CLI",
		Commands: []*cli.Command{
			serverCommand(),
			remindCommand(),
			adminTokenCommand(),
			statsCommand(),
			connectionsCommand(),
			exchangesCommand(),
			identitiesCommand(),
			remindersCommand(),
			simulateCommand(),
			configCommand(),
		},
	}

	if err := root.Run(context.Background(), args); err != nil {
		log.Fatal(err)
	}
}

var envFileFlag = &cli.StringSliceFlag{Name: "env-file", Usage: "dotenv files to load (default .env)"}

// loadServerConfig reads the environment and applies command line overrides.
func loadServerConfig(c *cli.Command) (config.Config, error) {
	cfg, err := config.Load(c.StringSlice("env-file")...)
	if err != nil {
		return config.Config{}, err
	}
	if c.IsSet("addr") {
		cfg.HTTPAddr = c.String("addr")
	}
	if c.IsSet("rpc-socket") {
		cfg.RPCSocket = c.String("rpc-socket")
	}
	if c.IsSet("db-driver") {
		cfg.DBDriver = c.String("db-driver")
	}
	if c.IsSet("db-dsn") {
		cfg.DBDSN = c.String("db-dsn")
	}
	return cfg, cfg.Validate()
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// appRuntime bundles what the server and the one-shot commands share.
type appRuntime struct {
	db      *gorm.DB
	service *application.PairService
	bot     *telegram.Bot
}

func (r *appRuntime) Close() {
	if sqlDB, err := r.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func openRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*appRuntime, error) {
	db, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	rt := &appRuntime{db: db}
	if err := store.RunMigrations(ctx, db); err != nil {
		rt.Close()
		return nil, err
	}

	messages, err := application.LoadMessages(cfg.MessagesFile)
	if err != nil {
		rt.Close()
		return nil, err
	}
	prefixes, err := cfg.PreviewPrefixes()
	if err != nil {
		rt.Close()
		return nil, err
	}

	var messenger domain.Messenger
	if cfg.TelegramToken != "" {
		rt.bot, err = telegram.New(cfg.TelegramToken, logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		messenger = rt.bot
	} else {
		logger.Warn("TELEGRAM_TOKEN not set, outbound messages are only logged")
	}

	rt.service, err = application.NewPairService(store.NewRepository(db), application.Options{
		Messenger:           messenger,
		Logger:              logger,
		Messages:            &messages,
		LinkPattern:         cfg.LinkPattern,
		LinkHosts:           cfg.LinkHosts,
		PublicBaseURL:       cfg.PublicBaseURL,
		PreviewAgents:       cfg.PreviewAgents,
		PreviewNetworks:     prefixes,
		PairCodeAttempts:    cfg.PairCodeTries,
		ReminderConcurrency: cfg.ReminderWorker,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func serverCommand() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "Run the webhook, tracking and admin HTTP server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "HTTP listen address (SONGPAL_HTTP_ADDR)"},
			&cli.StringFlag{Name: "rpc-socket", Usage: "JSON-RPC unix socket path (SONGPAL_RPC_SOCKET)"},
			&cli.StringFlag{Name: "db-driver", Usage: "sqlite or postgres (SONGPAL_DB_DRIVER)"},
			&cli.StringFlag{Name: "db-dsn", Usage: "database path or DSN (SONGPAL_DB_DSN)"},
			envFileFlag,
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadServerConfig(c)
			if err != nil {
				return err
			}
			return runServer(ctx, cfg)
		},
	}
}

func runServer(ctx context.Context, cfg config.Config) error {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	// A token without a webhook secret would leave the bot deaf.
	if cfg.TelegramToken != "" {
		if err := cfg.RequireTelegram(); err != nil {
			return err
		}
	}
	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	routerCfg := httpadapter.RouterConfig{
		AdminTokenHash: cfg.AdminTokenHash,
		TrustProxy:     cfg.TrustProxy,
		Logger:         logger,
	}
	if rt.bot != nil {
		routerCfg.Webhook = telegram.WebhookHandler(rt.service, rt.bot, logger)
		routerCfg.WebhookSecret = cfg.WebhookSecret
		if cfg.RegisterHook {
			if err := rt.bot.RegisterWebhook(ctx, cfg.WebhookURL()); err != nil {
				return err
			}
		}
	} else {
		logger.Warn("telegram webhook disabled", "reason", "TELEGRAM_TOKEN not set")
	}

	rpcSrv, err := rpcadapter.Start(cfg.RPCSocket, rt.service, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = rpcSrv.Close()
	}()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpadapter.NewRouter(rt.service, routerCfg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if rt.bot != nil && cfg.RegisterHook {
			if err := rt.bot.DeleteWebhook(shutdownCtx); err != nil {
				logger.Warn("delete webhook failed", "error", err)
			}
		}
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func remindCommand() *cli.Command {
	return &cli.Command{
		Name:  "remind",
		Usage: "Send listen reminders once, straight from the database (for cron)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db-driver", Usage: "sqlite or postgres (SONGPAL_DB_DRIVER)"},
			&cli.StringFlag{Name: "db-dsn", Usage: "database path or DSN (SONGPAL_DB_DSN)"},
			envFileFlag,
			&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadServerConfig(c)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel, cfg.LogFormat)
			if cfg.TelegramToken == "" {
				return errors.New("TELEGRAM_TOKEN is not set")
			}
			rt, err := openRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := rt.service.SendReminders(ctx)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return printJSON(report)
			}
			printReminderReport(report)
			return nil
		},
	}
}

func adminTokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "hash-admin-token",
		Usage: "Generate an admin API token and its SONGPAL_ADMIN_TOKEN_HASH",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "token", Usage: "hash this token instead of generating one"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			token := c.String("token")
			var (
				hash string
				err  error
			)
			if token == "" {
				token, hash, err = application.NewAdminToken()
			} else {
				hash, err = application.HashAdminToken(token)
			}
			if err != nil {
				return err
			}
			printKV([][2]string{{"token", token}, {"SONGPAL_ADMIN_TOKEN_HASH", hash}})
			return nil
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show identity, connection and exchange counters",
		Flags: []cli.Flag{&cli.BoolFlag{Name: "json", Usage: "output raw JSON"}},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var out domain.Stats
			if err := doStats(ctx, cfg, &out); err != nil {
				return err
			}
			if c.Bool("json") {
				return printJSON(out)
			}
			printStats(out)
			return nil
		},
	}
}

func connectionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "connections",
		Usage: "Connection commands",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List connections, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "state", Usage: "pending, connected or disconnected"},
					&cli.UintFlag{Name: "identity-id"},
					&cli.IntFlag{Name: "limit", Value: 100},
					&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var identityID *uint
					if c.IsSet("identity-id") {
						v := c.Uint("identity-id")
						identityID = &v
					}
					var out []domain.Connection
					if err := doConnectionsList(ctx, cfg, c.String("state"), identityID, c.Int("limit"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printConnections(out)
					return nil
				},
			},
		},
	}
}

func exchangesCommand() *cli.Command {
	return &cli.Command{
		Name:  "exchanges",
		Usage: "Song exchange commands",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List song exchanges, newest first",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "connection-id"},
					&cli.IntFlag{Name: "limit", Value: 100},
					&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var connectionID *uint
					if c.IsSet("connection-id") {
						v := c.Uint("connection-id")
						connectionID = &v
					}
					var out []domain.Exchange
					if err := doExchangesList(ctx, cfg, connectionID, c.Int("limit"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printExchanges(out)
					return nil
				},
			},
		},
	}
}

func identitiesCommand() *cli.Command {
	return &cli.Command{
		Name:  "identities",
		Usage: "Identity commands",
		Commands: []*cli.Command{
			{
				Name:  "get",
				Usage: "Show an identity by Telegram user id, with its latest connection",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "external-id", Required: true},
					&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out identityView
					if err := doIdentityGet(ctx, cfg, c.Int64("external-id"), &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printIdentity(out)
					return nil
				},
			},
		},
	}
}

func remindersCommand() *cli.Command {
	return &cli.Command{
		Name:  "reminders",
		Usage: "Reminder commands",
		Commands: []*cli.Command{
			{
				Name:  "send",
				Usage: "Ask the running server to send listen reminders",
				Flags: []cli.Flag{&cli.BoolFlag{Name: "json", Usage: "output raw JSON"}},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out application.ReminderReport
					if err := doRemindersSend(ctx, cfg, &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printReminderReport(out)
					return nil
				},
			},
		},
	}
}

func simulateCommand() *cli.Command {
	return &cli.Command{
		Name:  "simulate",
		Usage: "Run a chat message through the bot as the given user and print the replies",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "external-id", Required: true},
			&cli.StringFlag{Name: "name", Usage: "first name used when the identity is created"},
			&cli.StringFlag{Name: "text", Required: true},
			&cli.BoolFlag{Name: "json", Usage: "output raw JSON"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var out simulateResult
			if err := doSimulate(ctx, cfg, c.Int64("external-id"), c.String("name"), c.String("text"), &out); err != nil {
				return err
			}
			if c.Bool("json") {
				return printJSON(out)
			}
			printReplies(out.Replies)
			return nil
		},
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Operator CLI settings",
		Commands: []*cli.Command{
			{
				Name:  "set",
				Usage: "Store transport settings",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "transport", Usage: "uds or http"},
					&cli.StringFlag{Name: "server"},
					&cli.StringFlag{Name: "socket"},
					&cli.StringFlag{Name: "token", Usage: "admin API bearer token"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					if c.IsSet("transport") {
						switch t := c.String("transport"); t {
						case transportUDS, transportHTTP:
							cfg.Transport = t
						default:
							return fmt.Errorf("unknown transport %q", t)
						}
					}
					if c.IsSet("server") {
						cfg.Server = c.String("server")
					}
					if c.IsSet("socket") {
						cfg.Socket = c.String("socket")
					}
					if c.IsSet("token") {
						cfg.Token = c.String("token")
					}
					if err := saveConfig(cfg); err != nil {
						return err
					}
					printKV([][2]string{{"transport", cfg.Transport}, {"server", cfg.Server}, {"socket", cfg.Socket}})
					return nil
				},
			},
			{
				Name:  "show",
				Usage: "Print stored transport settings",
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					token := "-"
					if cfg.Token != "" {
						token = "set"
					}
					printKV([][2]string{{"transport", cfg.Transport}, {"server", cfg.Server}, {"socket", cfg.Socket}, {"token", token}})
					return nil
				},
			},
		},
	}
}

func jsonMarshal(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
