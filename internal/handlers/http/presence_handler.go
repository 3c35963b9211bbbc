package http

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"rendezvous/internal/core/domain"
	"rendezvous/internal/core/ports"
	"rendezvous/pkg/cache"
	apperrors "rendezvous/pkg/errors"
	"rendezvous/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PresenceHandler serves read-only views of the relay: the projected
// participants and connections, the raw log and the live sessions.
type PresenceHandler struct {
	signaling   ports.SignalingService
	projections *cache.Cache[int, domain.State]
	maxLogSlice int
	logger      *zap.SugaredLogger
}

// NewPresenceHandler creates a new presence handler
func NewPresenceHandler(
	signaling ports.SignalingService,
	cacheTTL time.Duration,
	maxLogSlice int,
	logger *zap.SugaredLogger,
) *PresenceHandler {
	return &PresenceHandler{
		signaling:   signaling,
		projections: cache.New[int, domain.State](cacheTTL),
		maxLogSlice: maxLogSlice,
		logger:      logger,
	}
}

func (h *PresenceHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/participants", h.ListParticipants)
		api.GET("/participants/:id", h.GetParticipant)
		api.GET("/connections", h.ListConnections)
		api.GET("/log", h.GetLog)
		api.GET("/sessions", h.ListSessions)
	}
}

func (h *PresenceHandler) Close() {
	h.projections.Stop()
}

type connectionView struct {
	Origin      domain.ParticipantID `json:"origin"`
	Destination domain.ParticipantID `json:"destination"`
	ConfirmedAt time.Time            `json:"confirmedAt"`
	Closed      bool                 `json:"closed"`
}

// ListParticipants returns the connected participants in log order
func (h *PresenceHandler) ListParticipants(c *gin.Context) {
	state, length := h.snapshot(c.Request.Context())

	participants := make([]domain.Participant, 0, len(state.Participants))
	for _, p := range state.Participants {
		participants = append(participants, *p)
	}
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].LogIndex < participants[j].LogIndex
	})

	c.JSON(http.StatusOK, gin.H{
		"participants": participants,
		"logLength":    length,
	})
}

// GetParticipant returns one connected participant
func (h *PresenceHandler) GetParticipant(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateParticipantID(id); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	state, _ := h.snapshot(c.Request.Context())
	p, ok := state.Participant(domain.ParticipantID(id))
	if !ok {
		_ = c.Error(fmt.Errorf("%w: %s", domain.ErrParticipantUnknown, id))
		return
	}

	c.JSON(http.StatusOK, gin.H{"participant": p})
}

// ListConnections reports every confirmed pair; closed marks pairs whose
// latest close or error came after the confirmation.
func (h *PresenceHandler) ListConnections(c *gin.Context) {
	state, length := h.snapshot(c.Request.Context())

	connections := make([]connectionView, 0)
	for origin, dests := range state.Connections.Active {
		for dest, confirmed := range dests {
			connections = append(connections, connectionView{
				Origin:      origin,
				Destination: dest,
				ConfirmedAt: confirmed.Timestamp,
				Closed:      state.ClosedAfter(origin, dest),
			})
		}
	}
	sort.Slice(connections, func(i, j int) bool {
		if connections[i].Origin != connections[j].Origin {
			return connections[i].Origin < connections[j].Origin
		}
		return connections[i].Destination < connections[j].Destination
	})

	c.JSON(http.StatusOK, gin.H{
		"connections": connections,
		"logLength":   length,
	})
}

// GetLog returns entries starting at ?from (default 0), at most ?limit
// entries and never more than the configured maximum.
func (h *PresenceHandler) GetLog(c *gin.Context) {
	from, err := validation.ParseNonNegativeInt(c.Query("from"), 0, "from")
	if err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	limit, err := validation.ParseNonNegativeInt(c.Query("limit"), h.maxLogSlice, "limit")
	if err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if limit == 0 || limit > h.maxLogSlice {
		limit = h.maxLogSlice
	}

	entries := h.signaling.LogSlice(from)
	if len(entries) > limit {
		entries = entries[:limit]
	}

	c.JSON(http.StatusOK, gin.H{
		"from":      from,
		"entries":   domain.Log(entries),
		"next":      from + len(entries),
		"logLength": h.signaling.LogLength(),
	})
}

// ListSessions returns live relay sessions and their frontiers
func (h *PresenceHandler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sessions": h.signaling.Sessions(),
	})
}

// snapshot projects the log as of its current length, reusing the
// projection while the length is unchanged.
func (h *PresenceHandler) snapshot(ctx context.Context) (domain.State, int) {
	length := h.signaling.LogLength()
	state, _ := h.projections.GetOrLoad(ctx, length, func(context.Context) (domain.State, error) {
		entries := h.signaling.LogSlice(0)
		if len(entries) > length {
			entries = entries[:length]
		}
		return domain.Project(entries), nil
	})
	return state, length
}
