package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenBeamlineCore/internal/procedure"
	"github.com/KevinKickass/OpenBeamlineCore/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const maxRunsLimit = 1000

// GET /api/v1/runs?kind=&limit=
//
// Without a journal only the runs in progress are known.
func (s *Server) listRuns(c *gin.Context) {
	kind := c.Query("kind")
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxRunsLimit {
			abortWithError(c, http.StatusBadRequest, "RUNS_400", "limit must be between 1 and 1000", err)
			return
		}
		limit = n
	}

	journal := s.lm.Journal()
	if journal == nil {
		runs := make([]procedure.RunRecord, 0)
		for _, run := range s.lm.Recorder().Running() {
			if kind == "" || run.Kind == kind {
				runs = append(runs, run)
			}
		}
		if len(runs) > limit {
			runs = runs[:limit]
		}
		c.JSON(http.StatusOK, gin.H{
			"runs":      runs,
			"count":     len(runs),
			"persisted": false,
		})
		return
	}

	runs, err := journal.ListRuns(c.Request.Context(), kind, limit)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "RUNS_500", "Failed to list runs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"runs":      runs,
		"count":     len(runs),
		"persisted": true,
	})
}

// GET /api/v1/runs/running
func (s *Server) listRunningRuns(c *gin.Context) {
	runs := s.lm.Recorder().Running()
	if runs == nil {
		runs = make([]procedure.RunRecord, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}

// GET /api/v1/runs/:id
func (s *Server) getRun(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "RUNS_400", "Invalid run id", err)
		return
	}

	journal := s.lm.Journal()
	if journal == nil {
		for _, run := range s.lm.Recorder().Running() {
			if run.ID == id {
				c.JSON(http.StatusOK, gin.H{"run": run})
				return
			}
		}
		abortWithError(c, http.StatusNotFound, "RUNS_404", "Run not found", nil)
		return
	}

	ctx := c.Request.Context()
	run, err := journal.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrRunNotFound) {
			abortWithError(c, http.StatusNotFound, "RUNS_404", "Run not found", nil)
			return
		}
		abortWithError(c, http.StatusInternalServerError, "RUNS_500", "Failed to load run", err)
		return
	}
	phases, err := journal.RunPhases(ctx, id)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "RUNS_500", "Failed to load phases", err)
		return
	}
	events, err := journal.RunEvents(ctx, id)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "RUNS_500", "Failed to load events", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run":    run,
		"phases": phases,
		"events": events,
	})
}
