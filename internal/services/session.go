package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kelsos/pvectl/internal/async"
	"github.com/kelsos/pvectl/internal/client"
	"github.com/kelsos/pvectl/internal/config"
	"github.com/kelsos/pvectl/internal/logger"
	"github.com/kelsos/pvectl/internal/models"
	"github.com/kelsos/pvectl/internal/storage"
)

// ErrLoginRejected is returned by Connect when the server refuses the credentials.
var ErrLoginRejected = errors.New("login rejected")

// Session wires the API client, the task poller and the services built on them
type Session struct {
	config      *config.Config
	client      *client.APIClient
	poller      *async.Poller
	taskManager *async.TaskManager
	Tasks       *TaskService
	Guests      *GuestService
	Nodes       *NodeService
}

// NewSession creates a session with all dependencies
func NewSession(cfg *config.Config) *Session {
	apiClient := client.NewAPIClient(cfg)
	// services decode JSON whatever the configured response type is
	jsonClient := apiClient.WithResponseType(config.ResponseTypeJSON)
	poller := async.NewPoller(jsonClient)

	return &Session{
		config:      cfg,
		client:      apiClient,
		poller:      poller,
		taskManager: async.NewTaskManager(poller, WaitOptions(cfg)),
		Tasks:       NewTaskService(jsonClient, poller),
		Guests:      NewGuestService(jsonClient),
		Nodes:       NewNodeService(jsonClient),
	}
}

// WaitOptions derives poller options from the configuration.
func WaitOptions(cfg *config.Config) async.Options {
	return async.Options{
		PollInterval: cfg.PollInterval,
		Timeout:      cfg.TaskTimeout,
		Strict:       cfg.StrictWait,
	}
}

// Connect authenticates the client. An API token wins over a ticket; a cached
// ticket younger than the ticket lifetime is reused before logging in again.
func (s *Session) Connect(ctx context.Context) error {
	if s.config.APIToken != "" {
		logger.Debug("Using API token authentication")
		s.client.SetAPIToken(s.config.APIToken)
		return nil
	}

	if s.config.Username == "" {
		return errors.New("no credentials configured: set PVE_USERNAME and PVE_PASSWORD or PVE_API_TOKEN")
	}

	cached, err := storage.LoadSession(s.config.DataDir, s.config.Host, s.config.Username)
	if err != nil {
		logger.Warn("Ignoring session cache: %v", err)
	}
	if cached != nil {
		age := time.Since(time.Unix(cached.CreatedAt, 0)).Round(time.Second)
		logger.Debug("Reusing cached ticket for %s (%s old)", s.config.Username, age)
		s.client.SetSession(cached.Ticket)

		accepted, err := s.ticketAccepted(ctx)
		if err != nil {
			return err
		}
		if accepted {
			return nil
		}

		logger.Warn("Cached ticket for %s was rejected, logging in again", s.config.Username)
		if err := s.Logout(); err != nil {
			logger.Warn("Failed to clear session cache: %v", err)
		}
	}

	return s.Login(ctx)
}

// ticketAccepted checks the current ticket against the server. Only a 401
// counts as rejection.
func (s *Session) ticketAccepted(ctx context.Context) (bool, error) {
	result, err := s.client.WithResponseType(config.ResponseTypeJSON).Get(ctx, "/version", nil)
	if err != nil {
		return false, fmt.Errorf("failed to verify cached ticket: %w", err)
	}
	return result.StatusCode != http.StatusUnauthorized, nil
}

// Login always asks the server for a new ticket and caches it.
func (s *Session) Login(ctx context.Context) error {
	if s.config.Password == "" {
		return fmt.Errorf("no password configured for %s", s.config.Username)
	}

	ok, err := s.client.Login(ctx, s.config.Username, s.config.Password, s.config.Realm)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w for %s", ErrLoginRejected, s.config.Username)
	}

	if err := storage.SaveSession(s.config.DataDir, s.config.Host, s.config.Username, s.client.Session()); err != nil {
		logger.Warn("Failed to cache session: %v", err)
	}
	logger.Info("Logged in as %s", s.client.Session().Username)
	return nil
}

// Logout forgets the ticket and removes it from the cache.
func (s *Session) Logout() error {
	s.client.SetSession(models.Ticket{})
	return storage.ClearSession(s.config.DataDir, s.config.Host)
}

// Wait blocks on a single task using the configured wait options.
func (s *Session) Wait(ctx context.Context, handle models.TaskHandle) (models.TaskStatus, error) {
	return s.poller.WaitForTask(ctx, handle, WaitOptions(s.config))
}

// WaitForAPIReady waits for the API to become ready
func (s *Session) WaitForAPIReady(ctx context.Context) bool {
	return s.client.WaitForAPIReady(ctx, 10, time.Second)
}

// GetConfig returns the current configuration
func (s *Session) GetConfig() *config.Config {
	return s.config
}

// Client returns the underlying API client
func (s *Session) Client() *client.APIClient {
	return s.client
}

// TaskManager returns the manager used for waiting on several tasks
func (s *Session) TaskManager() *async.TaskManager {
	return s.taskManager
}

// Cleanup performs cleanup operations including stopping the task manager
func (s *Session) Cleanup() {
	if s.taskManager != nil {
		s.taskManager.Stop()
	}
}
