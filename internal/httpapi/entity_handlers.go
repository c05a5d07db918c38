package httpapi

import (
	"net/http"
	"strings"
	"time"

	"paperwurks.org/internal/identity"
	"paperwurks.org/internal/ids"
)

type createEntityRequest struct {
	Name     string         `json:"name"`
	Kind     string         `json:"kind"`
	Settings map[string]any `json:"settings,omitempty"`
}

type entityResponse struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Kind      string         `json:"kind"`
	IsActive  bool           `json:"is_active"`
	DeletedAt *time.Time     `json:"deleted_at,omitempty"`
	Settings  map[string]any `json:"settings"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func toEntityResponse(e *identity.Entity) entityResponse {
	return entityResponse{
		ID:        e.ID,
		Name:      e.Name,
		Kind:      string(e.Kind),
		IsActive:  e.IsActive,
		DeletedAt: e.DeletedAt,
		Settings:  e.Settings,
		Metadata:  e.Metadata,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

func (a *API) handleEntitiesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createEntity(w, r)
	case http.MethodGet:
		a.listEntities(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) createEntity(w http.ResponseWriter, r *http.Request) {
	var req createEntityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entity, err := a.entities.CreateEntity(r.Context(), req.Name, identity.EntityKind(req.Kind), req.Settings)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntityResponse(entity))
}

func (a *API) listEntities(w http.ResponseWriter, r *http.Request) {
	var (
		list []*identity.Entity
		err  error
	)
	if kind := r.URL.Query().Get("kind"); kind != "" {
		list, err = a.entities.ListEntitiesByKind(r.Context(), identity.EntityKind(kind))
	} else {
		list, err = a.entities.ListActiveEntities(r.Context())
	}
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	items := make([]entityResponse, 0, len(list))
	for _, e := range list {
		items = append(items, toEntityResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleEntityResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/entities/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	id, action, _ := strings.Cut(path, "/")
	if !ids.Valid(id) {
		writeError(w, r, http.StatusNotFound, "entity not found")
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			a.getEntity(w, r, id)
		case http.MethodDelete:
			a.deleteEntity(w, r, id)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
		}
	case "settings":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		a.updateEntitySettings(w, r, id)
	case "organization":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		a.setOrganizationInfo(w, r, id)
	case "deactivate":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.setEntityActive(w, r, id, false)
	case "activate":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.setEntityActive(w, r, id, true)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getEntity(w http.ResponseWriter, r *http.Request, id string) {
	entity, err := a.entities.GetEntity(r.Context(), id)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntityResponse(entity))
}

func (a *API) deleteEntity(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.entities.DeleteEntity(r.Context(), id); err != nil {
		handleIdentityError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) updateEntitySettings(w http.ResponseWriter, r *http.Request, id string) {
	var settings map[string]any
	if err := decodeJSON(w, r, &settings); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entity, err := a.entities.UpdateSettings(r.Context(), id, settings)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntityResponse(entity))
}

func (a *API) setOrganizationInfo(w http.ResponseWriter, r *http.Request, id string) {
	var info map[string]any
	if err := decodeJSON(w, r, &info); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entity, err := a.entities.SetOrganizationInfo(r.Context(), id, info)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntityResponse(entity))
}

func (a *API) setEntityActive(w http.ResponseWriter, r *http.Request, id string, active bool) {
	var err error
	if active {
		err = a.entities.ActivateEntity(r.Context(), id)
	} else {
		err = a.entities.DeactivateEntity(r.Context(), id)
	}
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
