package services

import (
	"context"
	"fmt"

	"github.com/kelsos/pvectl/internal/client"
	"github.com/kelsos/pvectl/internal/logger"
	"github.com/kelsos/pvectl/internal/models"
)

// NodeService handles cluster node queries
type NodeService struct {
	client *client.APIClient
}

func NewNodeService(client *client.APIClient) *NodeService {
	return &NodeService{client: client}
}

// List retrieves all cluster nodes
func (s *NodeService) List(ctx context.Context) ([]models.NodeEntry, error) {
	var response models.APIResponse[[]models.NodeEntry]
	if err := call(ctx, s.client, "nodes.list", nil, &response); err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	logger.Debug("Found %d nodes", len(response.Data))
	return response.Data, nil
}

// Version retrieves the API version
func (s *NodeService) Version(ctx context.Context) (models.Version, error) {
	var response models.APIResponse[models.Version]
	if err := call(ctx, s.client, "version", nil, &response); err != nil {
		return models.Version{}, fmt.Errorf("failed to get version: %w", err)
	}
	return response.Data, nil
}
