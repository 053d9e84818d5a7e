package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelsos/pvectl/internal/models"
)

// TicketLifetime is how long PVE accepts a ticket after issuing it.
const TicketLifetime = 2 * time.Hour

// SessionData represents the structure of the session data stored in the file
type SessionData struct {
	Host      string        `json:"host"`
	Username  string        `json:"username"`
	Ticket    models.Ticket `json:"ticket"`
	CreatedAt int64         `json:"created_at"`
}

// Fresh reports whether the ticket can still be used at now.
func (d SessionData) Fresh(now time.Time) bool {
	return now.Sub(time.Unix(d.CreatedAt, 0)) < TicketLifetime
}

// GetAppDataDir resolves dir (expanding a leading ~) and makes sure it exists
func GetAppDataDir(dir string) (string, error) {
	if dir == "" || dir == "~" || strings.HasPrefix(dir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		switch {
		case dir == "":
			dir = filepath.Join(homeDir, ".pvectl")
		case dir == "~":
			dir = homeDir
		default:
			dir = filepath.Join(homeDir, dir[2:])
		}
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create app data directory: %w", err)
	}

	return dir, nil
}

// GetSessionFilePath returns the path to the session file for a specific host
func GetSessionFilePath(dir, host string) (string, error) {
	appDataDir, err := GetAppDataDir(dir)
	if err != nil {
		return "", err
	}

	name := strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(host)
	return filepath.Join(appDataDir, fmt.Sprintf("session_%s.json", name)), nil
}

// SaveSession saves the ticket to a file
func SaveSession(dir, host, username string, ticket models.Ticket) error {
	filePath, err := GetSessionFilePath(dir, host)
	if err != nil {
		return err
	}

	data := SessionData{
		Host:      host,
		Username:  username,
		Ticket:    ticket,
		CreatedAt: time.Now().Unix(),
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal session data: %w", err)
	}

	if err := os.WriteFile(filePath, jsonData, 0600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}

	return nil
}

// LoadSession returns the cached session for host, or nil if there is none
// or it belongs to another user or has expired.
func LoadSession(dir, host, username string) (*SessionData, error) {
	filePath, err := GetSessionFilePath(dir, host)
	if err != nil {
		return nil, err
	}

	if _, statErr := os.Stat(filePath); os.IsNotExist(statErr) {
		return nil, nil
	}

	fileData, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var data SessionData
	if err := json.Unmarshal(fileData, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session data: %w", err)
	}

	if data.Username != username || !data.Fresh(time.Now()) {
		return nil, nil
	}

	return &data, nil
}

// ClearSession removes the cached session for host
func ClearSession(dir, host string) error {
	filePath, err := GetSessionFilePath(dir, host)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}
