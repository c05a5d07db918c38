package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"paperwurks.org/internal/audit"
)

// EntityService manages data-boundary records. Entities are soft-deleted
// only; identities referencing a deleted entity keep their reference.
type EntityService struct {
	store Store
	now   func() time.Time
}

func NewEntityService(store Store, opts ...EntityServiceOption) *EntityService {
	svc := &EntityService{store: store, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// EntityServiceOption configures EntityService behavior.
type EntityServiceOption func(*EntityService)

// WithEntityClock overrides the time source (useful for tests).
func WithEntityClock(fn func() time.Time) EntityServiceOption {
	return func(s *EntityService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// CreateEntity registers a new data boundary with a globally unique name.
func (s *EntityService) CreateEntity(ctx context.Context, name string, kind EntityKind, settings map[string]any) (*Entity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Reason: "is required"}
	}
	if !ValidEntityKind(kind) {
		return nil, &ValidationError{Field: "kind", Reason: "unknown entity kind"}
	}
	if settings == nil {
		settings = map[string]any{}
	}
	// Check the name before inserting; the unique index is the backstop for
	// concurrent creates.
	if _, err := s.store.Entities().FindByName(ctx, name); err == nil {
		return nil, ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("find entity by name: %w", err)
	}
	entity := &Entity{
		Name:     name,
		Kind:     kind,
		IsActive: true,
		Settings: settings,
		Metadata: map[string]any{},
	}
	if err := s.store.Entities().Create(ctx, entity); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("create entity: %w", err)
	}
	_ = audit.LogEvent(ctx, "entity_created", map[string]any{
		"entity_id": entity.ID,
		"name":      entity.Name,
		"kind":      string(entity.Kind),
	})
	return entity, nil
}

// GetEntity loads an entity by id. Soft-deleted entities remain readable.
func (s *EntityService) GetEntity(ctx context.Context, id string) (*Entity, error) {
	return s.store.Entities().Find(ctx, id)
}

// ListActiveEntities returns entities that are active and not soft-deleted.
func (s *EntityService) ListActiveEntities(ctx context.Context) ([]*Entity, error) {
	return s.store.Entities().ListActive(ctx)
}

// ListEntitiesByKind returns non-deleted entities of the given kind.
func (s *EntityService) ListEntitiesByKind(ctx context.Context, kind EntityKind) ([]*Entity, error) {
	if !ValidEntityKind(kind) {
		return nil, &ValidationError{Field: "kind", Reason: "unknown entity kind"}
	}
	return s.store.Entities().ListByKind(ctx, kind)
}

// UpdateSettings replaces the entity settings map.
func (s *EntityService) UpdateSettings(ctx context.Context, id string, settings map[string]any) (*Entity, error) {
	if settings == nil {
		settings = map[string]any{}
	}
	if err := s.store.Entities().UpdateSettings(ctx, id, settings); err != nil {
		return nil, err
	}
	entity, err := s.store.Entities().Find(ctx, id)
	if err != nil {
		return nil, err
	}
	_ = audit.LogEvent(ctx, "entity_updated", map[string]any{
		"entity_id": id,
		"change":    "settings",
	})
	return entity, nil
}

// SetOrganizationInfo merges contact fields into the organization metadata
// block. Personal entities never carry organization info.
func (s *EntityService) SetOrganizationInfo(ctx context.Context, id string, info map[string]any) (*Entity, error) {
	entity, err := s.store.Entities().Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if entity.IsPersonal() {
		return nil, &ValidationError{Field: "organization", Reason: "cannot set organization info for individual entities"}
	}
	if entity.Metadata == nil {
		entity.Metadata = map[string]any{}
	}
	block, _ := entity.Metadata["organization"].(map[string]any)
	if block == nil {
		block = map[string]any{}
	}
	for k, v := range info {
		block[k] = v
	}
	entity.Metadata["organization"] = block
	if err := s.store.Entities().UpdateMetadata(ctx, id, entity.Metadata); err != nil {
		return nil, err
	}
	_ = audit.LogEvent(ctx, "entity_updated", map[string]any{
		"entity_id": id,
		"change":    "organization_info",
	})
	return entity, nil
}

// DeactivateEntity flags the entity inactive without deleting it.
func (s *EntityService) DeactivateEntity(ctx context.Context, id string) error {
	if err := s.store.Entities().SetActive(ctx, id, false); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "entity_deactivated", map[string]any{"entity_id": id})
	return nil
}

// ActivateEntity re-enables a deactivated entity.
func (s *EntityService) ActivateEntity(ctx context.Context, id string) error {
	if err := s.store.Entities().SetActive(ctx, id, true); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "entity_updated", map[string]any{
		"entity_id": id,
		"change":    "activated",
	})
	return nil
}

// DeleteEntity soft-deletes the entity. The row stays queryable by id but
// disappears from the default listings.
func (s *EntityService) DeleteEntity(ctx context.Context, id string) error {
	if err := s.store.Entities().SoftDelete(ctx, id, s.now().UTC()); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "entity_deleted", map[string]any{"entity_id": id})
	return nil
}
