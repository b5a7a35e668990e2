package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/courier/internal/notify"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type domainRequestPayload struct {
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Options     int64   `json:"options"`
}

type domainResponsePayload struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	Options     int64   `json:"options"`
}

type registerRequestPayload struct {
	UserID  int64    `json:"user_id"`
	Domains []string `json:"domains"`
	Backend string   `json:"backend"`
	Options int64    `json:"options"`
}

type modifyRequestPayload struct {
	Domains *[]string `json:"domains"`
	Backend *string   `json:"backend"`
	Options *int64    `json:"options"`
}

type registrationResponsePayload struct {
	UserID    int64   `json:"user_id"`
	Backend   string  `json:"backend"`
	Options   int64   `json:"options"`
	DomainIDs []int64 `json:"domain_ids"`
}

type postRequestPayload struct {
	Domain  string   `json:"domain"`
	Message string   `json:"message"`
	Tags    []string `json:"tags"`
}

type postResponsePayload struct {
	Delivered int `json:"delivered"`
}

type purgeResponsePayload struct {
	Purged bool `json:"purged"`
}

func (h *httpHandler) handleCreateDomain(c *gin.Context) {
	var request domainRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	domain, err := h.service.CreateDomain(c.Request.Context(), request.Name, request.Description, request.Options)
	if err != nil {
		h.respondError(c, "failed to create domain", err)
		return
	}
	c.JSON(http.StatusCreated, newDomainResponse(domain))
}

func (h *httpHandler) handleGetDomain(c *gin.Context) {
	domain, err := h.service.Domain(c.Request.Context(), notify.ParseDomainRef(c.Param("domain")))
	if err != nil {
		h.respondError(c, "failed to load domain", err)
		return
	}
	c.JSON(http.StatusOK, newDomainResponse(domain))
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.UserID <= 0 || strings.TrimSpace(request.Backend) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ctx := c.Request.Context()
	if err := h.service.Register(ctx, request.UserID, domainRefs(request.Domains), strings.TrimSpace(request.Backend), request.Options); err != nil {
		h.respondError(c, "failed to register user", err)
		return
	}
	registration, err := h.service.Registration(ctx, request.UserID)
	if err != nil {
		h.respondError(c, "failed to load registration", err)
		return
	}
	c.JSON(http.StatusCreated, newRegistrationResponse(registration))
}

func (h *httpHandler) handleGetRegistration(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	registration, err := h.service.Registration(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, "failed to load registration", err)
		return
	}
	c.JSON(http.StatusOK, newRegistrationResponse(registration))
}

func (h *httpHandler) handleModify(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	var request modifyRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	modify := notify.ModifyRequest{Backend: request.Backend, Options: request.Options}
	if request.Domains != nil {
		modify.Domains = domainRefs(*request.Domains)
	}
	ctx := c.Request.Context()
	if err := h.service.Modify(ctx, userID, modify); err != nil {
		h.respondError(c, "failed to modify registration", err)
		return
	}
	registration, err := h.service.Registration(ctx, userID)
	if err != nil {
		h.respondError(c, "failed to load registration", err)
		return
	}
	c.JSON(http.StatusOK, newRegistrationResponse(registration))
}

// handleUnregister drops the listed ?domain= subscriptions, or the whole registration when none
// are given.
func (h *httpHandler) handleUnregister(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	refs := []notify.DomainRef{}
	for _, value := range c.QueryArray("domain") {
		if strings.TrimSpace(value) == "" {
			continue
		}
		refs = append(refs, notify.ParseDomainRef(value))
	}
	if err := h.service.Unregister(c.Request.Context(), userID, refs...); err != nil {
		h.respondError(c, "failed to unregister user", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handlePost(c *gin.Context) {
	var request postRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Domain) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	delivered, err := h.service.Post(c.Request.Context(), request.Message, notify.ParseDomainRef(request.Domain), request.Tags)
	if err != nil {
		h.respondError(c, "failed to post notification", err)
		return
	}
	c.JSON(http.StatusOK, postResponsePayload{Delivered: delivered})
}

func (h *httpHandler) handleSweep(c *gin.Context) {
	result, err := h.service.DeliverPending(c.Request.Context())
	if err != nil {
		h.respondError(c, "failed to deliver pending entries", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handlePurgeEntries accepts ?user=<id> and ?all=true; by default only completed rows go.
func (h *httpHandler) handlePurgeEntries(c *gin.Context) {
	var userID *int64
	if raw := strings.TrimSpace(c.Query("user")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user"})
			return
		}
		userID = &parsed
	}
	completedOnly := c.Query("all") != "true"
	if err := h.service.PurgeEntries(c.Request.Context(), userID, completedOnly); err != nil {
		h.respondError(c, "failed to purge entries", err)
		return
	}
	c.JSON(http.StatusOK, purgeResponsePayload{Purged: true})
}

func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	status := statusForError(err)
	code := "internal_error"
	var serviceErr *notify.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.String("code", code), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, notify.ErrDomainNotFound),
		errors.Is(err, notify.ErrBackendNotFound),
		errors.Is(err, notify.ErrRegistrationNotFound):
		return http.StatusNotFound
	case errors.Is(err, notify.ErrDuplicateRegistration),
		errors.Is(err, notify.ErrDuplicateDomain):
		return http.StatusConflict
	case errors.Is(err, notify.ErrEmptyMessage):
		return http.StatusBadRequest
	}
	var serviceErr *notify.ServiceError
	if errors.As(err, &serviceErr) && strings.HasSuffix(serviceErr.Code(), ".invalid_domain") {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func userIDParam(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Param("user"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user"})
		return 0, false
	}
	return userID, true
}

func domainRefs(values []string) []notify.DomainRef {
	refs := make([]notify.DomainRef, 0, len(values))
	for _, value := range values {
		refs = append(refs, notify.ParseDomainRef(value))
	}
	return refs
}

func newDomainResponse(domain notify.Domain) domainResponsePayload {
	return domainResponsePayload{
		ID:          domain.ID,
		Name:        domain.Name,
		Description: domain.Description,
		Options:     domain.Options,
	}
}

func newRegistrationResponse(registration notify.Registration) registrationResponsePayload {
	domainIDs := registration.DomainIDs
	if domainIDs == nil {
		domainIDs = []int64{}
	}
	return registrationResponsePayload{
		UserID:    registration.UserID,
		Backend:   registration.Backend,
		Options:   registration.Options,
		DomainIDs: domainIDs,
	}
}
