package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"calnudge/internal/calendar"
	"calnudge/internal/config"
	"calnudge/internal/intent"
	appLog "calnudge/internal/log"
	"calnudge/internal/notify"
	"calnudge/internal/reminder"
	"calnudge/internal/sched"
	"calnudge/internal/token"
	"calnudge/internal/web"
)

type flagConfig struct {
	configPath string
	listen     string
	once       bool
	debug      bool
}

func main() {
	flags := parseFlags()
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}

	appLog.Info("calnudge starting", "version", "0.1.0")

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	loc, err := time.LoadLocation(conf.Timezone)
	if err != nil {
		appLog.Error("failed to load timezone", err, "timezone", conf.Timezone)
		os.Exit(1)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"poll", conf.PollCron,
		"state_path", conf.StatePath,
		"calendar_id", conf.Google.CalendarID,
		"ics_count", len(conf.ICS),
		"reminders", len(conf.Reminders),
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	tokens := token.NewStore(conf.Google.TokenPath)
	source := buildSource(conf, loc, tokens)
	notifier := notify.NewTwilioNotifier(conf.Twilio)

	stateStore, err := reminder.NewStore(conf.StatePath)
	if err != nil {
		appLog.Error("failed to load reminder state", err, "state_path", conf.StatePath)
		os.Exit(1)
	}

	schedule, err := reminder.ScheduleFromConfig(conf.Reminders)
	if err != nil {
		appLog.Error("invalid reminder schedule", err)
		os.Exit(1)
	}

	engine := reminder.NewEngine(source, notifier, stateStore, schedule)

	if flags.once {
		engine.Tick(ctx)
		appLog.Info("single tick completed, exiting")
		return
	}

	driver, err := sched.New(conf.PollCron, loc, engine.Tick)
	if err != nil {
		appLog.Error("failed to build poll driver", err, "poll", conf.PollCron)
		os.Exit(1)
	}
	driver.Start()
	defer driver.Stop()

	parser := intent.NewParser(conf.OpenAI)
	server := web.NewServer(conf, loc, source, parser, tokens, stateStore)

	httpSrv := &http.Server{
		Addr:              conf.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Error("http server failed", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("http server shutdown failed", err)
	}

	appLog.Info("calnudge exiting")
}

// buildSource picks the calendar backend: Google when OAuth credentials
// are configured, otherwise the configured ICS feeds (read-only).
func buildSource(conf *config.Config, loc *time.Location, tokens *token.Store) calendar.Manager {
	if conf.Google.ClientID != "" {
		return calendar.NewGoogleSource(conf.Google, loc, tokens)
	}
	appLog.Info("no google credentials; using ICS feeds", "feeds", len(conf.ICS))
	return calendar.ReadOnly(calendar.NewICSSource(conf.ICS, loc))
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one reminder tick and exit")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	flag.Parse()

	return cfg
}
