package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/myeline/careauth/internal/domain"
	"github.com/myeline/careauth/internal/http/middleware"
	"github.com/myeline/careauth/internal/http/response"
	"github.com/myeline/careauth/internal/observability"
	"github.com/myeline/careauth/internal/repository"
	"github.com/myeline/careauth/internal/service"
)

type AccessHandler struct {
	access service.AccessServiceInterface
}

func NewAccessHandler(access service.AccessServiceInterface) *AccessHandler {
	return &AccessHandler{access: access}
}

type proposeGrantRequest struct {
	PatientID        uint   `json:"patient_id"`
	CaregiverID      uint   `json:"caregiver_id"`
	AccessLevel      string `json:"access_level"`
	RelationshipType string `json:"relationship_type"`
}

type accessResponse struct {
	OwnerID uint `json:"owner_id"`
	Allowed bool `json:"allowed"`
}

func (h *AccessHandler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		writeServiceError(w, r, service.ErrUnauthenticated)
		return
	}
	ownerID, ok := uintParam(w, r, "ownerID")
	if !ok {
		return
	}
	var allowed bool
	if level := domain.AccessLevel(strings.ToLower(r.URL.Query().Get("level"))); level != "" {
		if !level.Valid() {
			response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid level", nil)
			return
		}
		allowed = h.access.CheckAccessAtLevel(r.Context(), p, ownerID, level)
	} else {
		allowed = h.access.CheckAccess(r.Context(), p, ownerID)
	}
	response.JSON(w, r, http.StatusOK, accessResponse{OwnerID: ownerID, Allowed: allowed})
}

func (h *AccessHandler) ListGrants(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		writeServiceError(w, r, service.ErrUnauthenticated)
		return
	}
	h.listGrants(w, r, p.ID)
}

// ListOwnerGrants shows another principal's grants. The route is guarded by
// RequireOwnerAccess, so callers here may already read the owner's data.
func (h *AccessHandler) ListOwnerGrants(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := uintParam(w, r, "ownerID")
	if !ok {
		return
	}
	h.listGrants(w, r, ownerID)
}

func (h *AccessHandler) listGrants(w http.ResponseWriter, r *http.Request, principalID uint) {
	page, err := h.access.ListGrants(r.Context(), principalID, repository.PageRequest{
		Page:     queryInt(r, "page"),
		PageSize: queryInt(r, "page_size"),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, page)
}

// ProposeGrant defaults the patient to the caller, which is the common case.
func (h *AccessHandler) ProposeGrant(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		writeServiceError(w, r, service.ErrUnauthenticated)
		return
	}
	var req proposeGrantRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PatientID == 0 {
		req.PatientID = p.ID
	}
	grant, err := h.access.GrantCaregiverAccess(r.Context(), p, service.GrantProposal{
		PatientID:        req.PatientID,
		CaregiverID:      req.CaregiverID,
		AccessLevel:      domain.AccessLevel(strings.ToLower(strings.TrimSpace(req.AccessLevel))),
		RelationshipType: req.RelationshipType,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "grant.propose.http", "grant_id", grant.ID)
	response.JSON(w, r, http.StatusCreated, grant)
}

func (h *AccessHandler) AcceptGrant(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.access.AcceptGrant)
}

func (h *AccessHandler) RevokeGrant(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.access.RevokeGrant)
}

func (h *AccessHandler) transition(
	w http.ResponseWriter,
	r *http.Request,
	apply func(ctx context.Context, actor *domain.Principal, grantID uint) (*domain.CaregiverGrant, error),
) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		writeServiceError(w, r, service.ErrUnauthenticated)
		return
	}
	grantID, ok := uintParam(w, r, "grantID")
	if !ok {
		return
	}
	grant, err := apply(r.Context(), p, grantID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, grant)
}
