package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
	"github.com/utilitywarehouse/mirror-sync/config"
	"github.com/utilitywarehouse/mirror-sync/gitsync"
	"github.com/utilitywarehouse/mirror-sync/notify"
	"github.com/utilitywarehouse/mirror-sync/scheduler"
	"github.com/utilitywarehouse/mirror-sync/store"
	"github.com/utilitywarehouse/mirror-sync/worker"
)

var (
	loggerLevel = new(slog.LevelVar)
	logger      *slog.Logger

	levelStrings = map[string]slog.Level{
		"trace": slog.Level(-8),
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}

	flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Sources: cli.EnvVars("MIRROR_CONFIG"),
			Value:   "/etc/mirror-sync/config.yaml",
			Usage:   "Absolute path to the config file.",
		},
		&cli.StringFlag{
			Name:    "log-level",
			Sources: cli.EnvVars("LOG_LEVEL"),
			Value:   "info",
			Usage:   "Log level",
		},
		&cli.StringFlag{
			Name:    "state-dir",
			Sources: cli.EnvVars("MIRROR_STATE_DIR"),
			Value:   filepath.Join(os.TempDir(), "mirror-sync"),
			Usage:   "Absolute path to the dir where mirror status database and mirrored repositories are stored.",
		},
		&cli.StringFlag{
			Name:    "http-bind",
			Sources: cli.EnvVars("HTTP_BIND"),
			Value:   ":9001",
			Usage:   "The address the web server binds to.",
		},
		&cli.IntFlag{
			Name:    "workers",
			Sources: cli.EnvVars("MIRROR_WORKERS"),
			Value:   worker.DefaultPoolSize,
			Usage:   "Number of mirrors synced concurrently.",
		},
		&cli.StringFlag{
			Name:    "github-webhook-secret",
			Sources: cli.EnvVars("GITHUB_WEBHOOK_SECRET"),
			Usage:   "Secret used to validate github push webhook requests.",
		},
		&cli.BoolFlag{
			Name:    "config-watch",
			Sources: cli.EnvVars("MIRROR_CONFIG_WATCH"),
			Value:   true,
			Usage:   "Reload config file when it changes.",
		},
		&cli.DurationFlag{
			Name:    "config-watch-interval",
			Sources: cli.EnvVars("MIRROR_CONFIG_WATCH_INTERVAL"),
			Value:   10 * time.Second,
			Usage:   "How often config file is checked for changes.",
		},
		&cli.StringFlag{
			Name:    "metrics-namespace",
			Sources: cli.EnvVars("METRICS_NAMESPACE"),
			Value:   "mirror_sync",
			Usage:   "Prefix of all exported metrics.",
		},
	}
)

func init() {
	loggerLevel.Set(slog.LevelInfo)
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: loggerLevel,
	}))
}

type submitter interface {
	Submit(repositoryID string)
}

type remover interface {
	Remove(repositoryID string) error
}

type forgetter interface {
	Forget(ctx context.Context, repositoryID string) error
}

// app holds the long living components wired together by main
type app struct {
	configs   *config.Store
	scheduler *scheduler.Scheduler
	submitter submitter
	statuses  *store.StatusStore
	logs      *store.LogStore
	remover   remover
	records   forgetter

	mirrorsRoot string
	// loaded is set once the first config was applied
	loaded bool
}

func main() {
	cmd := &cli.Command{
		Name:  "mirror-sync",
		Usage: "mirror-sync periodically pulls remote repositories into local mirrors.",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {

			// set log level according to argument
			if v, ok := levelStrings[strings.ToLower(c.String("log-level"))]; ok {
				loggerLevel.Set(v)
			}

			conf, err := parseConfigFile(c.String("config"))
			if err != nil {
				return fmt.Errorf("unable to parse config file err:%w", err)
			}

			stateDir := c.String("state-dir")
			a := &app{mirrorsRoot: filepath.Join(stateDir, "mirrors")}
			a.applyGitDefaults(conf)

			// path to resolve git, gpg and git-lfs
			gitENV := []string{
				fmt.Sprintf("PATH=%s", os.Getenv("PATH")),
				fmt.Sprintf("HOME=%s", os.Getenv("HOME")),
			}

			syncer, err := gitsync.New(conf.Git, gitENV, logger.With("logger", "gitsync"))
			if err != nil {
				return fmt.Errorf("could not create git syncer err:%w", err)
			}

			db, err := store.Open(filepath.Join(stateDir, "db"))
			if err != nil {
				return fmt.Errorf("could not open state db err:%w", err)
			}
			defer db.Close()

			ns := c.String("metrics-namespace")
			worker.EnableMetrics(ns, prometheus.DefaultRegisterer)
			scheduler.EnableMetrics(ns, prometheus.DefaultRegisterer)
			prometheus.MustRegister(configSuccess, configSuccessTime)

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			configs := config.NewStore()
			dispatcher := notify.NewDispatcher(logger.With("logger", "notify"))
			defer dispatcher.Close()

			if conf.Global.NotificationURL != "" {
				wh := &notify.Webhook{
					URL:   conf.Global.NotificationURL,
					Users: configs.ManagingUsers,
					Log:   logger.With("logger", "notify"),
				}
				go wh.Run(ctx, dispatcher.Subscribe(100))
			}

			statuses := store.NewStatusStore(db)
			logs := store.NewLogStore(db, configs)

			w := worker.New(worker.Config{
				Configurations: configs,
				Syncer:         syncer,
				Statuses:       statuses,
				Logs:           logs,
				OnStatusChange: dispatcher.Publish,
			}, logger.With("logger", "worker"))

			pool := worker.NewPool(ctx, w, int(c.Int("workers")), logger.With("logger", "pool"))
			sched := scheduler.New(pool, logger.With("logger", "scheduler"))

			a.configs = configs
			a.scheduler = sched
			a.submitter = pool
			a.statuses = statuses
			a.logs = logs
			a.remover = syncer
			a.records = w

			// mirrors removed from config while app was down
			cleanupOrphanedMirrors(conf, syncer)

			sched.Start()

			// load config and watch for changes
			go WatchConfig(ctx, c.String("config"), c.Bool("config-watch"), c.Duration("config-watch-interval"), a.ensureConfig)

			server := &http.Server{
				Addr: c.String("http-bind"),
				Handler: routes(&handlers{
					configs:   configs,
					statuses:  a.statuses,
					logs:      a.logs,
					scheduler: sched,
					running:   w,
					submitter: pool,
					log:       logger.With("logger", "http"),
				}, c.String("github-webhook-secret")),
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("could not start web server", "err", err)
					stop()
				}
			}()

			<-ctx.Done()
			logger.Info("Shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("unable to shutdown web server", "err", err)
			}

			sched.Stop()
			pool.Stop()

			return nil
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logger.Error("failed to run app", "err", err)
		os.Exit(1)
	}
}
