package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"mrse/internal/config"
	"mrse/internal/google"
	"mrse/internal/jobs"
	"mrse/internal/notify"
	"mrse/internal/storage"
	"mrse/internal/syncer"
	"mrse/internal/web"
	"mrse/pkg/logx"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "mrse",
		Usage:   "calendar mirror with scheduled sync and meeting digests",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "path to the YAML config file",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the sync scheduler and HTTP API",
				Action: runServe,
			},
			{
				Name:      "sync",
				Usage:     "run one sync pass for a user and exit",
				ArgsUsage: "<user-email>",
				Action:    runOnce,
			},
			{
				Name:      "auth",
				Usage:     "print the OAuth consent URL for a user",
				ArgsUsage: "<user-email>",
				Action:    runAuth,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// bootstrap loads config and builds the shared service graph.
func bootstrap(c *cli.Context) (*config.Manager, *config.Config, *logx.Service, logx.Logger, storage.Store, error) {
	mgr := config.NewManager(c.String("config"))
	cfg, err := mgr.Load()
	if err != nil {
		return nil, nil, nil, logx.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File != "", Path: cfg.Logging.File},
	})
	mgr.SetLogger(log.With(logx.String("component", "config")))

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.BusyTimeout(),
	}, log.With(logx.String("component", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, nil, nil, logx.Logger{}, nil, fmt.Errorf("open storage: %w", err)
	}
	return mgr, cfg, logSvc, log, store, nil
}

func buildSync(cfg *config.Config, store storage.Store, log logx.Logger) (*google.Client, *syncer.Orchestrator) {
	client := google.NewClient(google.Config{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURL:  cfg.Google.RedirectURL,
	}, store, log.With(logx.String("component", "google")))

	rec := syncer.NewReconciler(store, log.With(logx.String("component", "reconcile")))
	orch := syncer.NewOrchestrator(client, rec, log.With(logx.String("component", "sync")), syncer.Options{
		Timeout:      cfg.UserTimeout(),
		WindowMonths: cfg.Sync.WindowMonths,
		PageSize:     cfg.Sync.PageSize,
	})
	return client, orch
}

func runServe(c *cli.Context) error {
	mgr, cfg, logSvc, log, store, err := bootstrap(c)
	if err != nil {
		return err
	}
	defer logSvc.Close()
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, orch := buildSync(cfg, store, log)

	digests := notify.NewService(store, notify.NewSMTPSender(notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	}), cfg.Notify.RatePerSec, log.With(logx.String("component", "notify")))

	reg := jobs.NewRegistry(log.With(logx.String("component", "jobs")))
	sched := jobs.NewService(reg, store, orch, digests, log.With(logx.String("component", "scheduler")), jobs.Config{
		SyncSchedule: cfg.Sync.Schedule,
		UserTimeout:  cfg.UserTimeout(),
	})
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Shutdown(context.Background())

	// Hot reload: log level and digest throttle apply live; schedule or
	// storage changes need a restart.
	updates := mgr.Subscribe(1)
	defer mgr.Unsubscribe(updates)
	go func() {
		if err := mgr.Watch(ctx); err != nil {
			log.Warn("config watcher stopped", logx.Err(err))
		}
	}()
	go func() {
		for next := range updates {
			logSvc.Apply(logx.Config{
				Level:   next.Logging.Level,
				Console: next.Logging.Console,
				File:    logx.FileConfig{Enabled: next.Logging.File != "", Path: next.Logging.File},
			})
			digests.SetRate(next.Notify.RatePerSec)
			log.Info("runtime settings applied", logx.String("level", next.Logging.Level))
		}
	}()

	srv := web.NewServer(store, sched, client, log.With(logx.String("component", "web")))
	log.Info("mrse starting", logx.String("version", version))
	return srv.Run(ctx, cfg.Listen)
}

func runOnce(c *cli.Context) error {
	user := c.Args().First()
	if user == "" {
		return cli.Exit("usage: mrse sync <user-email>", 2)
	}

	_, cfg, logSvc, log, store, err := bootstrap(c)
	if err != nil {
		return err
	}
	defer logSvc.Close()
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, orch := buildSync(cfg, store, log)
	count, err := orch.SyncUser(ctx, user)
	if err != nil {
		return err
	}
	fmt.Printf("synced %d events for %s\n", count, user)
	return nil
}

func runAuth(c *cli.Context) error {
	user := c.Args().First()
	if user == "" {
		return cli.Exit("usage: mrse auth <user-email>", 2)
	}

	_, cfg, logSvc, log, store, err := bootstrap(c)
	if err != nil {
		return err
	}
	defer logSvc.Close()
	defer store.Close()

	client, _ := buildSync(cfg, store, log)
	fmt.Println("open this URL in a browser and approve access:")
	fmt.Println(client.AuthURL(user))
	return nil
}
