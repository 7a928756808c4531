// Package app wires the moderation pipeline together from a workspace.
package app

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"pressroom/internal/config"
	"pressroom/internal/courier"
	"pressroom/internal/db"
	"pressroom/internal/events"
	"pressroom/internal/generate"
	"pressroom/internal/imagery"
	"pressroom/internal/migrate"
	"pressroom/internal/moderation"
	"pressroom/internal/publish"
	"pressroom/internal/repo"
	"pressroom/internal/scheduler"
	"pressroom/internal/session"
)

// Env vars carrying secrets. Everything else lives in pressroom.yml.
const (
	EnvBotToken     = "PRESSROOM_BOT_TOKEN"
	EnvImageAPIKey  = "PRESSROOM_IMAGE_API_KEY"
	EnvJWTSecret    = "PRESSROOM_JWT_SECRET"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
)

type App struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Sessions  *session.Store
	Bot       *courier.BotClient
	Publisher *publish.Orchestrator
	Scheduler *scheduler.Scheduler
	Handler   *moderation.Handler
	Logger    *log.Logger
}

// New opens the workspace database, applies migrations and builds the full
// pipeline. Collaborator endpoints come from pressroom.yml; secrets from
// the environment.
func New(workspace string) (*App, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return build(conn, cfg), nil
}

func build(conn *sql.DB, cfg *config.Config) *App {
	logger := log.New(os.Stderr, "pressroom ", log.LstdFlags)
	r := repo.Repo{DB: conn}
	ev := events.Writer{DB: conn}
	sessions := session.NewStore()

	bot := &courier.BotClient{
		BaseURL: cfg.Courier.APIURL,
		Token:   os.Getenv(EnvBotToken),
		Timeout: cfg.CourierTimeout(),
	}
	search := &imagery.SearchClient{
		BaseURL: cfg.Imagery.SearchURL,
		APIKey:  os.Getenv(EnvImageAPIKey),
		Timeout: cfg.ImageryTimeout(),
	}
	stylize := &imagery.RenderClient{
		BaseURL:  cfg.Imagery.RenderURL,
		Template: cfg.Imagery.Template,
		Timeout:  cfg.ImageryTimeout(),
	}

	htmlChannels := map[string]bool{}
	for _, ch := range cfg.Channels {
		htmlChannels[ch.ID] = ch.HTML
	}
	publisher := &publish.Orchestrator{
		DB:           conn,
		Repo:         r,
		Events:       ev,
		Sender:       bot,
		HTMLChannels: htmlChannels,
		Logger:       logger,
	}
	sched := &scheduler.Scheduler{
		Repo:       r,
		Events:     ev,
		Courier:    bot,
		Moderators: cfg.Moderators,
		PerTick:    cfg.Scheduler.PerTick,
		MaxAge:     cfg.MaxDraftAge(),
		Logger:     logger,
	}
	handler := &moderation.Handler{
		DB:        conn,
		Repo:      r,
		Events:    ev,
		Sessions:  sessions,
		Search:    search,
		Stylize:   stylize,
		Publisher: publisher,
		Config:    cfg,
		Logger:    logger,
	}
	return &App{
		DB:        conn,
		Repo:      r,
		Events:    ev,
		Config:    cfg,
		Sessions:  sessions,
		Bot:       bot,
		Publisher: publisher,
		Scheduler: sched,
		Handler:   handler,
		Logger:    logger,
	}
}

// GenerateWorker builds the drafting worker from the app's config.
func (a *App) GenerateWorker() *generate.Worker {
	client := openai.NewClient(os.Getenv(EnvOpenAIAPIKey))
	return &generate.Worker{
		DB:      a.DB,
		Repo:    a.Repo,
		Events:  a.Events,
		Client:  client,
		Model:   a.Config.Generate.Model,
		Retries: a.Config.Generate.Retries,
		Timeout: a.Config.GenerateTimeout(),
		Logger:  a.Logger,
	}
}

// Interval returns the scheduler interval, defaulting when unset.
func (a *App) Interval() time.Duration {
	if d := a.Config.SchedulerInterval(); d > 0 {
		return d
	}
	return time.Minute
}

func (a *App) Close() error {
	return a.DB.Close()
}
