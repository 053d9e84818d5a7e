package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/kelsos/pvectl/internal/config"
	"github.com/kelsos/pvectl/internal/logger"
	"github.com/kelsos/pvectl/internal/models"
)

const ticketPath = "/access/ticket"

// Login exchanges credentials for a ticket and CSRF token. A username of the
// form user@realm overrides realm, split at the last @. The returned bool mirrors IsSuccess of the
// ticket call; the error is reserved for transport failures.
func (c *APIClient) Login(ctx context.Context, username, password, realm string) (bool, error) {
	if i := strings.LastIndex(username, "@"); i >= 0 {
		username, realm = username[:i], username[i+1:]
	}

	logger.Debug("Requesting ticket for %s@%s", username, realm)

	// the ticket endpoint only answers in JSON
	jsonView := c.WithResponseType(config.ResponseTypeJSON)
	result, err := jsonView.request(ctx, "POST", ticketPath, map[string]any{
		"username": username,
		"password": password,
		"realm":    realm,
	})
	if err != nil {
		return false, fmt.Errorf("failed to request ticket: %w", err)
	}

	if !result.IsSuccess() {
		logger.Warn("Login for %s@%s rejected: %d %s", username, realm, result.StatusCode, result.ReasonPhrase)
		return false, nil
	}

	var response models.APIResponse[models.Ticket]
	if err := result.Decode(&response); err != nil {
		return false, err
	}

	c.SetSession(response.Data)
	logger.Debug("Ticket issued for %s", response.Data.Username)
	return true, nil
}

// SetSession installs a previously issued ticket.
func (c *APIClient) SetSession(ticket models.Ticket) {
	c.session.mu.Lock()
	defer c.session.mu.Unlock()
	c.session.ticket = ticket
}

// Session returns the current ticket, if any.
func (c *APIClient) Session() models.Ticket {
	c.session.mu.RLock()
	defer c.session.mu.RUnlock()
	return c.session.ticket
}

// SetAPIToken switches to API token authentication (user@realm!tokenid=secret).
func (c *APIClient) SetAPIToken(token string) {
	c.session.mu.Lock()
	defer c.session.mu.Unlock()
	c.session.apiToken = token
}

// HasCredentials reports whether requests will be authenticated.
func (c *APIClient) HasCredentials() bool {
	c.session.mu.RLock()
	defer c.session.mu.RUnlock()
	return c.session.apiToken != "" || c.session.ticket.Ticket != ""
}
