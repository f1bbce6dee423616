package server

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/splitcheck/splitcheck/internal/event"
)

type eventTypeInfo struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// ListEventTypes publishes the closed set of event codes clients can receive
// on the stream. Public: clients use it before authenticating.
func (s *Server) ListEventTypes(c *gin.Context) {
	out := make([]eventTypeInfo, 0, len(event.Descriptions))
	for eventType, description := range event.Descriptions {
		out = append(out, eventTypeInfo{Type: eventType, Description: description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	c.JSON(http.StatusOK, gin.H{"events": out})
}
