package api

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// GetPresence returns the number of users currently checked in.
func (h *Handler) GetPresence(c *gin.Context) {
	count, err := h.store.CountOpenAccessSessions(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"present": count})
}

// GetAccessLog exports the access sessions that started in the range.
func (h *Handler) GetAccessLog(c *gin.Context) {
	r, ok := h.dateRange(c)
	if !ok {
		return
	}
	sessions, err := h.store.AccessSessions(c.Request.Context(), r.From, r.To)
	if err != nil {
		respondError(c, err)
		return
	}

	if c.Query("format") != "csv" {
		c.JSON(http.StatusOK, sessions)
		return
	}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			s.ID, s.UserID, s.EndpointID,
			h.formatTime(&s.LoginAt), h.formatTime(s.LogoutAt), s.LogoutReason,
		})
	}
	h.writeCSV(c, "access-log", []string{"id", "user_id", "endpoint_id", "login_at", "logout_at", "logout_reason"}, rows)
}

// GetMachineLog exports the sessions of one machine that started in the
// range. Sessions of removed machines stay exportable.
func (h *Handler) GetMachineLog(c *gin.Context) {
	r, ok := h.dateRange(c)
	if !ok {
		return
	}
	machineID := c.Param("id")
	sessions, err := h.store.MachineSessions(c.Request.Context(), machineID, r.From, r.To)
	if err != nil {
		respondError(c, err)
		return
	}

	if c.Query("format") != "csv" {
		c.JSON(http.StatusOK, sessions)
		return
	}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			s.ID, s.MachineID, s.UserID,
			h.formatTime(&s.StartedAt), h.formatTime(s.EndedAt), s.EndReason,
			strconv.FormatInt(s.Seconds, 10),
		})
	}
	h.writeCSV(c, "machine-"+machineID+"-log", []string{"id", "machine_id", "user_id", "started_at", "ended_at", "end_reason", "seconds"}, rows)
}

// GetAuditLog returns every decision taken in the range, rejections
// included.
func (h *Handler) GetAuditLog(c *gin.Context) {
	r, ok := h.dateRange(c)
	if !ok {
		return
	}
	events, err := h.store.AuditEvents(c.Request.Context(), r.From, r.To)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (h *Handler) formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.In(h.loc).Format(time.RFC3339)
}

func (h *Handler) writeCSV(c *gin.Context, name string, header []string, rows [][]string) {
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.csv"`, name))
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	if err := w.Write(header); err != nil {
		return
	}
	if err := w.WriteAll(rows); err != nil {
		c.Error(err)
	}
}
