package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sitepush/internal/config"
	"sitepush/internal/db"
	"sitepush/internal/engine"
	"sitepush/internal/events"
	"sitepush/internal/github"
	"sitepush/internal/login"
	"sitepush/internal/migrate"
	"sitepush/internal/repo"
	"sitepush/internal/server"
	"sitepush/internal/session"
)

const (
	userAgent            = "sitepush"
	defaultSweepInterval = time.Hour
)

type Options struct {
	Workspace string
	Logger    logrus.FieldLogger
	// HTTPClient is used for GitHub, the OAuth exchange and webhooks.
	HTTPClient *http.Client
	// SweepInterval is how often expired sessions are purged.
	SweepInterval time.Duration
	Now           func() time.Time
}

// App is a fully wired sitepush server.
type App struct {
	Config   *config.Config
	DB       *db.DB
	Repo     repo.Repo
	GitHub   *github.Client
	Engine   *engine.Engine
	Sessions *session.Manager
	Login    *login.Flow
	Hub      *server.Hub
	Webhooks *server.WebhookDispatcher
	Log      logrus.FieldLogger

	sweepInterval time.Duration
	mu            sync.Mutex
	cfg           *config.Config
}

// Build opens storage, applies migrations and wires every component
// described by cfg. The caller owns Close.
func Build(cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	conn, err := db.Open(db.Config{DSN: cfg.Storage.DSN, Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a, err := build(cfg, opts, conn, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func build(cfg *config.Config, opts Options, conn *db.DB, log logrus.FieldLogger) (*App, error) {
	if err := migrate.Migrate(conn); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn}
	gh := github.New(github.Options{BaseURL: cfg.GitHub.APIURL, HTTPClient: opts.HTTPClient, UserAgent: userAgent})

	sessions, err := session.NewManager(session.Options{
		Repo:          r,
		Secret:        cfg.Session.Secret,
		TTL:           cfg.Session.TTL,
		CookieName:    cfg.Session.CookieName,
		SecureCookies: cfg.Server.SecureCookies,
		Now:           opts.Now,
	})
	if err != nil {
		return nil, err
	}

	var flow *login.Flow
	if strings.TrimSpace(cfg.GitHub.ClientID) != "" {
		flow, err = login.NewFlow(login.Options{
			ClientID:      cfg.GitHub.ClientID,
			ClientSecret:  cfg.GitHub.ClientSecret,
			RedirectURL:   cfg.GitHub.RedirectURL,
			Scopes:        cfg.GitHub.Scopes,
			OAuthURL:      cfg.GitHub.OAuthURL,
			HTTPClient:    opts.HTTPClient,
			Users:         gh,
			Sessions:      sessions,
			SecureCookies: cfg.Server.SecureCookies,
			Now:           opts.Now,
		})
		if err != nil {
			return nil, err
		}
	} else {
		log.Warn("github.client_id not set; /auth/login is disabled")
	}

	hub := server.NewHub(log.WithField("component", "stream"))
	e, err := engine.New(engine.Options{
		Gateway:       gh,
		Poller:        gh,
		Notifier:      engine.Notifiers{events.NewRecorder(r), hub},
		Logger:        log.WithField("component", "engine"),
		PollInterval:  cfg.Deploy.PollInterval,
		MaxPolls:      cfg.Deploy.MaxPolls,
		CommitMessage: cfg.Deploy.CommitMessage,
		Now:           opts.Now,
	})
	if err != nil {
		return nil, err
	}
	webhooks := server.NewWebhookDispatcher(server.WebhookOptions{
		Repo:     r,
		Webhooks: cfg.Webhooks,
		Client:   opts.HTTPClient,
		Logger:   log.WithField("component", "webhooks"),
	})

	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}
	return &App{
		Config:        cfg,
		DB:            conn,
		Repo:          r,
		GitHub:        gh,
		Engine:        e,
		Sessions:      sessions,
		Login:         flow,
		Hub:           hub,
		Webhooks:      webhooks,
		Log:           log,
		sweepInterval: sweep,
		cfg:           cfg,
	}, nil
}

// Handler returns the HTTP API for the app.
func (a *App) Handler() (http.Handler, error) {
	cfg := a.current()
	return server.New(server.Config{
		Engine:            a.Engine,
		Repo:              a.Repo,
		Sessions:          a.Sessions,
		Login:             a.Login,
		Hub:               a.Hub,
		Location:          cfg.Location(),
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		PostLoginRedirect: cfg.Frontend.PostLoginRedirect,
		Logger:            a.Log.WithField("component", "http"),
	})
}

// Run drives the job runner and the background loops until ctx is done.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.Webhooks.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		a.sweepSessions(ctx)
	}()
	err := a.Engine.Run(ctx)
	wg.Wait()
	return err
}

func (a *App) sweepSessions(ctx context.Context) {
	ticker := time.NewTicker(a.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := a.Sessions.PurgeExpired(ctx)
		if err != nil {
			a.Log.WithError(err).Warn("purge expired sessions")
			continue
		}
		if n > 0 {
			a.Log.WithField("sessions", n).Info("purged expired sessions")
		}
	}
}

// Reload applies the parts of cfg that can change while serving: the deploy
// poll policy. Other changes need a restart and are reported.
func (a *App) Reload(cfg *config.Config) {
	a.mu.Lock()
	prev := a.cfg
	a.cfg = cfg
	a.mu.Unlock()

	a.Engine.SetPollPolicy(cfg.Deploy.PollInterval, cfg.Deploy.MaxPolls)
	interval, maxPolls := a.Engine.PollPolicy()
	a.Log.WithFields(logrus.Fields{"poll_interval": interval, "max_polls": maxPolls}).Info("config reloaded")
	if prev != nil && (prev.Location() != cfg.Location() || prev.Server.Addr != cfg.Server.Addr) {
		a.Log.Warn("target and server settings change only after a restart")
	}
}

func (a *App) current() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
