package panel

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dpeshrijal/automate-qa-panel/pkg/agent"
	"github.com/dpeshrijal/automate-qa-panel/pkg/config"
	"github.com/dpeshrijal/automate-qa-panel/pkg/controller"
	"github.com/dpeshrijal/automate-qa-panel/pkg/panel/store"
	"github.com/sirupsen/logrus"
)

const (
	shutdownTimeout        = 10 * time.Second
	sessionCleanupInterval = 15 * time.Minute
)

// Server exposes the panel HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      store.Store
	agent      agent.Client
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}

	ctrlMu      sync.Mutex
	controllers map[uint]controller.Controller
}

// NewServer creates a new panel server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
) Server {
	return &server{
		log:         log.WithField("component", "panel"),
		cfg:         cfg,
		done:        make(chan struct{}),
		controllers: make(map[uint]controller.Controller),
	}
}

// Start initializes the store, seeds users, and starts the HTTP server.
func (s *server) Start(ctx context.Context) error {
	s.store = store.NewStore(s.log, &s.cfg.Database)
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	if len(s.cfg.Auth.Users) > 0 {
		if err := s.store.SeedUsers(ctx, s.cfg.Auth.Users); err != nil {
			return fmt.Errorf("seeding users: %w", err)
		}
	}

	s.agent = agent.NewClient(
		s.log, s.cfg.Agent.BaseURL, s.cfg.AgentTimeout(),
	)

	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start session cleanup goroutine.
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(sessionCleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.store.DeleteExpiredSessions(ctx); err != nil {
					s.log.WithError(err).
						Warn("Failed to clean expired sessions")
				}
			case <-s.done:
				return
			}
		}
	}()

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("Panel server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server, tears down all run
// controllers, and closes the store.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	// Tear down controllers so no poll loop outlives its observers.
	s.ctrlMu.Lock()

	for _, ctrl := range s.controllers {
		ctrl.Close()
	}

	s.controllers = nil
	s.ctrlMu.Unlock()

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("Panel server stopped")

	return nil
}

// controllerFor returns the run controller owned by the given user,
// creating it on first use. Each user gets exactly one controller, which
// enforces the one-run-in-flight invariant per panel session.
func (s *server) controllerFor(userID uint) controller.Controller {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()

	if ctrl, ok := s.controllers[userID]; ok {
		return ctrl
	}

	ctrl := controller.New(
		s.log,
		s.agent,
		strconv.FormatUint(uint64(userID), 10),
		s.cfg.PollInterval(),
	)
	s.controllers[userID] = ctrl

	return ctrl
}
