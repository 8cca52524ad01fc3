package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"obfuscal/internal/config"
	"obfuscal/internal/google"
	"obfuscal/internal/icloud"
	"obfuscal/internal/logging"
	"obfuscal/internal/metrics"
	"obfuscal/internal/syncer"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "obfuscal",
		Usage: "Mirror iCloud calendars into a Google Calendar as anonymous busy blocks.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", EnvVars: []string{"OBFUSCAL_CONFIG"}, Usage: "Optional YAML config file. Environment variables override it."},
		},
		Commands: []*cli.Command{
			authCommand(),
			calendarsCommand(),
			syncCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format), nil
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account to get an API token.",
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger.Info("Starting Google authentication flow.")

			oauthConfig, err := google.GetOAuthConfigForAuthFlow(cfg.Google.ClientID, cfg.Google.ClientSecret)
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, oauthConfig, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			if err := google.SaveToken(cfg.Google.TokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.Info("Successfully authenticated and saved token.", "file", cfg.Google.TokenFile)
			return nil
		},
	}
}

func calendarsCommand() *cli.Command {
	return &cli.Command{
		Name:  "calendars",
		Usage: "List the iCloud calendars and the policy applied to each.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "google", Usage: "Also list the Google calendars the token can write to."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}

			iClient, err := newICloudClient(cfg, logger)
			if err != nil {
				return err
			}
			names, err := iClient.ListCalendars(c.Context)
			if err != nil {
				return fmt.Errorf("failed to list icloud calendars: %w", err)
			}

			policies := cfg.Policies()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ICLOUD CALENDAR\tSKIP\tALL-DAY EVENTS")
			for _, name := range names {
				p := policies.Lookup(name)
				fmt.Fprintf(w, "%s\t%t\t%t\n", name, p.Skip, p.AllowFullDay)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if !c.Bool("google") {
				return nil
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			gClient, err := google.NewClient(c.Context, logger, loc, cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.TokenFile)
			if err != nil {
				return fmt.Errorf("failed to create google client, did you run the auth command? %w", err)
			}
			infos, err := gClient.ListCalendars(c.Context)
			if err != nil {
				return fmt.Errorf("failed to list google calendars: %w", err)
			}
			fmt.Println()
			w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "GOOGLE CALENDAR ID\tSUMMARY\tACCESS")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\t%s\n", info.ID, info.Summary, info.AccessRole)
			}
			return w.Flush()
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run the calendar synchronization process.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "once", Usage: "Run the sync cycle once and exit. This is the default without --watch or --cron."},
			&cli.BoolFlag{Name: "dry-run", Usage: "Log what would be synced without making changes."},
			&cli.IntFlag{Name: "watch", Value: 300, Usage: "Run sync every N seconds."},
			&cli.StringFlag{Name: "cron", Usage: "Run sync on a cron schedule, e.g. \"*/15 * * * *\"."},
		},
		Action: func(c *cli.Context) error {
			if err := checkRunMode(c.Bool("once"), c.IsSet("watch"), c.IsSet("cron")); err != nil {
				return err
			}
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			s, err := newSyncer(c.Context, cfg, logger, c.Bool("dry-run"))
			if err != nil {
				return err
			}
			var pusher *metrics.Pusher
			if cfg.PushgatewayURL != "" {
				pusher = metrics.NewPusher(logger, cfg.PushgatewayURL, nil)
			}

			runOnce := func(ctx context.Context) error {
				report, err := s.Sync(ctx)
				if pusher != nil {
					pusher.PushOrLog(ctx, cfg.Google.CalendarID, report)
				}
				return runResult(report, err)
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			switch {
			case c.IsSet("cron"):
				return runCron(ctx, logger, c.String("cron"), runOnce)
			case c.IsSet("watch"):
				interval := time.Duration(c.Int("watch")) * time.Second
				if interval <= 0 {
					return errors.New("--watch must be a positive number of seconds")
				}
				return runWatch(ctx, logger, interval, runOnce)
			default:
				logger.Info("Running a single sync cycle.")
				return runOnce(ctx)
			}
		},
	}
}

func newICloudClient(cfg *config.Config, logger *slog.Logger) (*icloud.CalDAVClient, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	logger.Debug("Connecting to iCloud.", logging.UserHash(cfg.ICloud.Username), "password", logging.SanitizeSecret(cfg.ICloud.Password))
	iClient, err := icloud.NewClient(logger, icloud.Options{
		Username: cfg.ICloud.Username,
		Password: cfg.ICloud.Password,
		Endpoint: cfg.ICloud.URL,
		Location: loc,
		Horizon:  cfg.Sync.Horizon,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create icloud client: %w", err)
	}
	return iClient, nil
}

func newSyncer(ctx context.Context, cfg *config.Config, logger *slog.Logger, dryRun bool) (*syncer.Syncer, error) {
	iClient, err := newICloudClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	gClient, err := google.NewClient(ctx, logger, loc, cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create google client, did you run the auth command? %w", err)
	}

	s, err := syncer.NewSyncer(logger, iClient, gClient, syncer.Options{
		CalendarID:  cfg.Google.CalendarID,
		Policies:    cfg.Policies(),
		Placeholder: cfg.Placeholder(),
		Publish:     cfg.PublishOptions(dryRun),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create syncer: %w", err)
	}
	return s, nil
}

// checkRunMode rejects more than one of --once, --watch and --cron.
func checkRunMode(once, watch, scheduled bool) error {
	var set []string
	if once {
		set = append(set, "--once")
	}
	if watch {
		set = append(set, "--watch")
	}
	if scheduled {
		set = append(set, "--cron")
	}
	if len(set) > 1 {
		return fmt.Errorf("%s cannot be combined", strings.Join(set, " and "))
	}
	return nil
}

// runResult turns a finished run into the command's error. Failed writes
// exit non-zero even though the run itself completed.
func runResult(report syncer.Report, err error) error {
	if err != nil {
		return fmt.Errorf("sync cycle failed: %w", err)
	}
	if report.Failed > 0 {
		return cli.Exit(fmt.Sprintf("sync cycle finished with %d failed event(s)", report.Failed), 1)
	}
	return nil
}

func runWatch(ctx context.Context, logger *slog.Logger, interval time.Duration, run func(context.Context) error) error {
	logger.Info("Starting watcher.", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := run(ctx); err != nil {
			logger.Error("Sync cycle failed", logging.Err(err))
		}
		select {
		case <-ctx.Done():
			logger.Info("Watcher stopped.")
			return nil
		case <-ticker.C:
		}
	}
}

func runCron(ctx context.Context, logger *slog.Logger, schedule string, run func(context.Context) error) error {
	sched := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := sched.AddFunc(schedule, func() {
		if err := run(ctx); err != nil {
			logger.Error("Sync cycle failed", logging.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}

	logger.Info("Starting cron scheduler.", "schedule", schedule)
	sched.Start()
	<-ctx.Done()
	<-sched.Stop().Done()
	logger.Info("Cron scheduler stopped.")
	return nil
}
