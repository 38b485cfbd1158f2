package rest

import (
	"net/http"
	"sort"
	"time"

	"github.com/KevinKickass/OpenBeamlineCore/internal/devices"
	"github.com/gin-gonic/gin"
)

// GET /api/v1/status
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.Status())
}

// GET /api/v1/topology
//
// Reads every element once. ?format=text returns the operator table.
func (s *Server) getTopology(c *gin.Context) {
	report := s.lm.Topology().Report(c.Request.Context())

	if c.Query("format") == "text" {
		c.String(http.StatusOK, report.String())
		return
	}
	c.JSON(http.StatusOK, report)
}

type pointSample struct {
	ID    string    `json:"id"`
	Value float64   `json:"value"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

// GET /api/v1/points
func (s *Server) listPoints(c *gin.Context) {
	samples := make([]pointSample, 0)
	if monitor := s.lm.Monitor(); monitor != nil {
		for id, sample := range monitor.Snapshot() {
			p := pointSample{ID: id, Value: sample.Value, At: sample.At}
			if sample.Err != nil {
				p.Error = sample.Err.Error()
			}
			samples = append(samples, p)
		}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].ID < samples[j].ID })

	c.JSON(http.StatusOK, gin.H{
		"points": samples,
		"count":  len(samples),
	})
}

// GET /api/v1/devices
func (s *Server) listDevices(c *gin.Context) {
	infos := make([]devices.DeviceInfo, 0)
	mgr := s.lm.DeviceManager()
	if mgr != nil {
		infos = mgr.ListDevices()
	}

	c.JSON(http.StatusOK, gin.H{
		"devices":   infos,
		"count":     len(infos),
		"simulated": mgr == nil,
	})
}
