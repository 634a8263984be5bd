// sessiond is a reference embedding of the session core: it logs in with
// credentials from the environment, keeps the session alive (stdin lines
// count as user activity), reacts to lifecycle events from other processes
// sharing the credential file, and logs out on SIGINT/SIGTERM.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/procurahq/clientsession/activity"
	"github.com/procurahq/clientsession/authapi"
	"github.com/procurahq/clientsession/credentials"
	"github.com/procurahq/clientsession/credentials/filebackend"
	"github.com/procurahq/clientsession/internal/config"
	"github.com/procurahq/clientsession/refresh"
	"github.com/procurahq/clientsession/session"
	"github.com/procurahq/clientsession/syncbus"
	"github.com/procurahq/clientsession/syncbus/redistransport"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("sessiond failed")
	}
	log.Info().Msg("sessiond stopped")
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	setupLogging(cfg.Debug)
	displayAppName(cfg.AppName)

	backend, err := filebackend.New(cfg.CredentialsFile)
	if err != nil {
		return err
	}

	store := credentials.New(backend,
		credentials.WithInactivityTimeout(cfg.InactivityTimeout),
	)

	busOptions := []syncbus.Option{}
	if cfg.RedisURL != "" {
		transport, err := redistransport.Dial(context.Background(), cfg.RedisURL, cfg.SyncChannel)
		if err != nil {
			// The storage fallback still covers same-machine processes.
			log.Warn().Err(err).Msg("redis unavailable, storage-fallback sync only")
		} else {
			defer transport.Close()
			busOptions = append(busOptions, syncbus.WithPrimary(transport))
		}
	}
	bus := syncbus.New(backend, busOptions...)

	svc, err := session.New(session.Deps{
		API:       authapi.New(cfg.APIBaseURL),
		Store:     store,
		Bus:       bus,
		Navigator: consoleNavigator{},
	},
		session.WithLogoutTimeout(cfg.LogoutTimeout),
		session.WithSchedulerOptions(refresh.WithConfig(refresh.Config{
			Buffer:      cfg.RefreshBuffer,
			MinInterval: cfg.RefreshFloor,
			MaxAttempts: cfg.RefreshMaxAttempts,
		})),
		session.WithMonitorOptions(
			activity.WithTimeout(cfg.InactivityTimeout),
			activity.WithThrottle(cfg.ActivityThrottle),
		),
	)
	if err != nil {
		return err
	}
	defer svc.Close()

	// Adopt an existing session if one is persisted, otherwise log in with
	// the environment-supplied credentials.
	svc.CheckAuth(context.Background())
	if snapshot := svc.Snapshot(); !snapshot.Authenticated {
		username := os.Getenv("SESSION_USERNAME")
		password := os.Getenv("SESSION_PASSWORD")
		if username == "" {
			return fmt.Errorf("no persisted session and SESSION_USERNAME is not set")
		}
		if _, err := svc.Login(context.Background(), username, password); err != nil {
			return err
		}
	}

	go feedActivityFromStdin(svc)
	waitForStopSignal()

	result := svc.Logout(context.Background())
	log.Info().Bool("server_ack", result.Success).Str("username", result.Username).Msg("logged out")
	return nil
}

func feedActivityFromStdin(svc *session.Service) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		svc.RecordActivity(activity.KindKeyDown)
	}
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func setupLogging(debug bool) {
	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	log.Logger = log.Level(level).Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func displayAppName(appName string) {
	banner := figure.NewFigure(appName, "cybermedium", true)
	banner.Print()
	fmt.Println()
}

// consoleNavigator is the headless stand-in for the UI's login redirect.
type consoleNavigator struct{}

func (consoleNavigator) CurrentPath() string { return "" }

func (consoleNavigator) ShowLogin(reason session.Reason, returnTo string) {
	log.Info().Str("reason", string(reason)).Str("return_to", returnTo).Msg("session ended, login required")
}
