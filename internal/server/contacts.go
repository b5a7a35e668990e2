package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type contactRequestPayload struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

type contactResponsePayload struct {
	UserID      int64     `json:"user_id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

func (h *httpHandler) handleSetContact(c *gin.Context) {
	if !h.contactsEnabled(c) {
		return
	}
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	var request contactRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	contact, err := h.contacts.SetContact(c.Request.Context(), userID, request.Email, request.DisplayName)
	if err != nil {
		h.respondContactError(c, "failed to store contact", err)
		return
	}
	c.JSON(http.StatusOK, newContactResponse(contact))
}

func (h *httpHandler) handleGetContact(c *gin.Context) {
	if !h.contactsEnabled(c) {
		return
	}
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	contact, err := h.contacts.Contact(c.Request.Context(), userID)
	if err != nil {
		h.respondContactError(c, "failed to load contact", err)
		return
	}
	c.JSON(http.StatusOK, newContactResponse(contact))
}

func (h *httpHandler) handleRemoveContact(c *gin.Context) {
	if !h.contactsEnabled(c) {
		return
	}
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	if err := h.contacts.RemoveContact(c.Request.Context(), userID); err != nil {
		h.respondContactError(c, "failed to remove contact", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) contactsEnabled(c *gin.Context) bool {
	if h.contacts == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "contacts_disabled"})
		return false
	}
	return true
}

func (h *httpHandler) respondContactError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, users.ErrInvalidContact):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_contact"})
	case errors.Is(err, users.ErrContactNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "contact_not_found"})
	default:
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func newContactResponse(contact users.Contact) contactResponsePayload {
	return contactResponsePayload{
		UserID:      contact.UserID,
		Email:       contact.Email,
		DisplayName: contact.DisplayName,
		LastSeenAt:  contact.LastSeenAt.UTC(),
	}
}
