package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/voltscope/api/internal/model"
	"github.com/voltscope/api/internal/store"
)

// SystemService manages registered battery installations.
type SystemService struct {
	systems *store.SystemStore
}

func NewSystemService(systems *store.SystemStore) *SystemService {
	return &SystemService{systems: systems}
}

// Register creates or updates the system for a device id. Registration is
// idempotent on device id: re-registering updates name and coordinates but
// keeps the system id stable so existing record links stay valid.
func (s *SystemService) Register(ctx context.Context, req *model.RegisterSystemRequest) (*model.System, error) {
	existing, err := s.systems.FindByDeviceID(ctx, req.DeviceID)
	if err != nil {
		return nil, err
	}

	sys := &model.System{
		ID:        uuid.New().String(),
		DeviceID:  req.DeviceID,
		Name:      req.Name,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		CreatedAt: time.Now().UTC(),
	}
	if existing != nil {
		sys.ID = existing.ID
		sys.CreatedAt = existing.CreatedAt
	}

	if err := s.systems.Save(ctx, sys); err != nil {
		return nil, err
	}
	return sys, nil
}

// List returns all registered systems.
func (s *SystemService) List(ctx context.Context) ([]*model.System, error) {
	return s.systems.List(ctx)
}
