package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"makerspace-backend/internal/coordinator"
	"makerspace-backend/internal/model"
)

// machineView is a machine record with its running session, if any.
type machineView struct {
	model.Machine
	RunHours       float64    `json:"runHours"`
	SessionStarted *time.Time `json:"sessionStartedAt,omitempty"`
}

// ListMachines returns every machine with its committed status. It
// reads the store only and never waits on an endpoint being served.
func (h *Handler) ListMachines(c *gin.Context) {
	machines, err := h.store.ListMachines(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	sessions, err := h.store.OpenMachineSessions(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	started := make(map[string]time.Time, len(sessions))
	for _, s := range sessions {
		started[s.MachineID] = s.StartedAt
	}

	views := make([]machineView, 0, len(machines))
	for _, m := range machines {
		view := machineView{Machine: m, RunHours: m.RunHours()}
		if at, ok := started[m.ID]; ok && m.OwnerID != nil {
			view.SessionStarted = &at
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, views)
}

type addMachineRequest struct {
	ID               string  `json:"id" binding:"required"`
	DisplayName      string  `json:"displayName"`
	Type             string  `json:"type" binding:"required"`
	MaintenanceHours float64 `json:"maintenanceHours"`
}

// AddMachine registers a machine.
func (h *Handler) AddMachine(c *gin.Context) {
	var req addMachineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	machine, err := h.coord.AddMachine(c.Request.Context(), coordinator.NewMachine{
		ID:               req.ID,
		DisplayName:      req.DisplayName,
		Type:             req.Type,
		MaintenanceHours: req.MaintenanceHours,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, machine)
}

// RemoveMachine deletes a machine, closing its open session.
func (h *Handler) RemoveMachine(c *gin.Context) {
	if err := h.coord.RemoveMachine(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SuspendMachine puts a machine under an administrative hold.
func (h *Handler) SuspendMachine(c *gin.Context) {
	machine, err := h.coord.SuspendMachine(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, machine)
}

// ResumeMachine lifts an administrative hold.
func (h *Handler) ResumeMachine(c *gin.Context) {
	machine, err := h.coord.ResumeMachine(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, machine)
}

type clearMaintenanceRequest struct {
	CrewID string `json:"crewId" binding:"required"`
	Note   string `json:"note"`
}

// ClearMaintenance resets the run-hour counter after service.
func (h *Handler) ClearMaintenance(c *gin.Context) {
	var req clearMaintenanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	intervention, err := h.coord.ClearMaintenance(c.Request.Context(), c.Param("id"), req.CrewID, req.Note)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, intervention)
}

// GetInterventions lists the maintenance history of a machine, newest
// first.
func (h *Handler) GetInterventions(c *gin.Context) {
	interventions, err := h.store.Interventions(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, interventions)
}
