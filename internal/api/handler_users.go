package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"makerspace-backend/internal/coordinator"
	"makerspace-backend/internal/model"
)

type registerUserRequest struct {
	ID                 string   `json:"id" binding:"required"`
	Name               string   `json:"name" binding:"required"`
	Surname            string   `json:"surname" binding:"required"`
	CardUID            string   `json:"cardUid"`
	Role               string   `json:"role"`
	SubscriptionExpiry string   `json:"subscriptionExpiry" binding:"required"`
	MachineTypes       []string `json:"machineTypes"`
}

// RegisterUser creates a member.
func (h *Handler) RegisterUser(c *gin.Context) {
	var req registerUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	expiry, err := time.Parse(time.DateOnly, req.SubscriptionExpiry)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subscriptionExpiry must be YYYY-MM-DD"})
		return
	}

	user, err := h.coord.RegisterUser(c.Request.Context(), coordinator.NewUser{
		ID:                 req.ID,
		Name:               req.Name,
		Surname:            req.Surname,
		CardUID:            req.CardUID,
		Role:               model.Role(req.Role),
		SubscriptionExpiry: expiry,
		MachineTypes:       req.MachineTypes,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

type renewSubscriptionRequest struct {
	Expiry string `json:"expiry" binding:"required"`
}

// RenewSubscription sets a new expiry date.
func (h *Handler) RenewSubscription(c *gin.Context) {
	var req renewSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	expiry, err := time.Parse(time.DateOnly, req.Expiry)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expiry must be YYYY-MM-DD"})
		return
	}
	user, err := h.coord.RenewSubscription(c.Request.Context(), c.Param("id"), expiry)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

type authorizeRequest struct {
	MachineType string `json:"machineType" binding:"required"`
}

// AuthorizeMachineType grants a machine type.
func (h *Handler) AuthorizeMachineType(c *gin.Context) {
	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := h.coord.AuthorizeMachineType(c.Request.Context(), c.Param("id"), req.MachineType)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// RevokeMachineType removes a machine type grant.
func (h *Handler) RevokeMachineType(c *gin.Context) {
	user, err := h.coord.RevokeMachineType(c.Request.Context(), c.Param("id"), c.Param("type"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

type linkCardRequest struct {
	CardUID string `json:"cardUid" binding:"required"`
}

// LinkCard assigns a card to the user.
func (h *Handler) LinkCard(c *gin.Context) {
	var req linkCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := h.coord.LinkCard(c.Request.Context(), c.Param("id"), req.CardUID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// UnlinkCard frees the user's card.
func (h *Handler) UnlinkCard(c *gin.Context) {
	user, err := h.coord.UnlinkCard(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// DeactivateUser checks the user out and disables the record.
func (h *Handler) DeactivateUser(c *gin.Context) {
	user, err := h.coord.DeactivateUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// GetUsage returns the total machine time of a user.
func (h *Handler) GetUsage(c *gin.Context) {
	userID := c.Param("id")
	if _, err := h.store.GetUser(c.Request.Context(), userID); err != nil {
		respondError(c, err)
		return
	}
	seconds, err := h.store.UserMachineSeconds(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":         userID,
		"machineSeconds": seconds,
		"machineHours":   float64(seconds) / 3600,
	})
}
