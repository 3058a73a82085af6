package app

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/mxbridge/signal-provisioning/internal/bridgestate"
	"github.com/mxbridge/signal-provisioning/internal/config"
	"github.com/mxbridge/signal-provisioning/internal/linking"
	"github.com/mxbridge/signal-provisioning/internal/signald"
	"github.com/mxbridge/signal-provisioning/internal/user"
)

// App holds shared application state and resources.
type App struct {
	Config *config.Config
	Log    zerolog.Logger

	Users    *user.Store
	Signal   *signald.Client
	State    *bridgestate.Notifier
	Registry *linking.Registry
	Linking  *linking.Coordinator

	StartTime time.Time // Track startup time for health checks
}

// New wires the application together. The signald connection is not dialed
// here; main connects (with retry) after construction.
func New(cfg *config.Config, log zerolog.Logger) (*App, error) {
	users, err := user.NewStore(cfg.DBPath, log)
	if err != nil {
		return nil, err
	}

	signal := signald.NewClient(cfg.SignaldURL, log)
	state := bridgestate.NewNotifier(cfg.StatusEndpoint, cfg.StatusToken, log)

	return &App{
		Config:    cfg,
		Log:       log,
		Users:     users,
		Signal:    signal,
		State:     state,
		Registry:  linking.NewRegistry(signal),
		Linking:   linking.NewCoordinator(signal, users, state, log),
		StartTime: time.Now(),
	}, nil
}

// Close releases the app's resources.
func (a *App) Close() {
	if err := a.Signal.Close(); err != nil {
		a.Log.Warn().Err(err).Msg("Error closing signald connection")
	}
	if err := a.Users.Close(); err != nil {
		a.Log.Warn().Err(err).Msg("Error closing user store")
	}
}
