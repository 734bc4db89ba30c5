// Package api serves the Query/Command HTTP surface. Reads go to the
// record store; every write goes through the coordinator so it is
// serialized with endpoint events.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"

	"makerspace-backend/internal/clock"
	"makerspace-backend/internal/coordinator"
	"makerspace-backend/internal/model"
	"makerspace-backend/internal/parse"
	"makerspace-backend/internal/store"
)

// Coordinator is the command side the handlers need.
type Coordinator interface {
	RegisterUser(ctx context.Context, in coordinator.NewUser) (model.User, error)
	RenewSubscription(ctx context.Context, userID string, expiry time.Time) (model.User, error)
	AuthorizeMachineType(ctx context.Context, userID, machineType string) (model.User, error)
	RevokeMachineType(ctx context.Context, userID, machineType string) (model.User, error)
	LinkCard(ctx context.Context, userID, cardUID string) (model.User, error)
	UnlinkCard(ctx context.Context, userID string) (model.User, error)
	DeactivateUser(ctx context.Context, userID string) (model.User, error)
	AddMachine(ctx context.Context, in coordinator.NewMachine) (model.Machine, error)
	RemoveMachine(ctx context.Context, machineID string) error
	SuspendMachine(ctx context.Context, machineID string) (model.Machine, error)
	ResumeMachine(ctx context.Context, machineID string) (model.Machine, error)
	ClearMaintenance(ctx context.Context, machineID, crewID, note string) (model.Intervention, error)
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store   store.Store
	coord   Coordinator
	clock   clock.Clock
	loc     *time.Location
	webpush *webpush.Options
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, coord Coordinator, clk clock.Clock, loc *time.Location, webpushOptions *webpush.Options) *Handler {
	if loc == nil {
		loc = time.Local
	}
	return &Handler{
		store:   s,
		coord:   coord,
		clock:   clk,
		loc:     loc,
		webpush: webpushOptions,
	}
}

// respondError maps domain errors to status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, coordinator.ErrInvalid), errors.Is(err, store.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, store.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		log.Printf("%s %s failed: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// dateRange reads from/to. It writes the 400 itself and reports false
// on a bad value.
func (h *Handler) dateRange(c *gin.Context) (parse.DateRange, bool) {
	r, err := parse.ParseDateRange(c.Query("from"), c.Query("to"), h.clock.Now(), h.loc)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return parse.DateRange{}, false
	}
	return r, true
}
