package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/burrowhq/burrow/internal/common/errors"
	"github.com/burrowhq/burrow/internal/common/logger"
	"github.com/burrowhq/burrow/internal/orchestrator/streaming"
	"github.com/burrowhq/burrow/internal/sandbox/registry"
	"github.com/burrowhq/burrow/internal/store"
	v1 "github.com/burrowhq/burrow/pkg/api/v1"
)

// Queue is the slice of the group queue the handlers depend on.
type Queue interface {
	Deliver(ctx context.Context, chatJID, text string) error
	CloseStdin(chatJID string) error
	Status(chatJID string) (*v1.GroupStatus, error)
	StatusAll() []*v1.GroupStatus
}

// Handler contains the HTTP handlers for the host API.
type Handler struct {
	store    store.Store
	queue    Queue
	registry *registry.Registry
	hub      *streaming.Hub
	logger   *logger.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new API handler.
func NewHandler(st store.Store, q Queue, reg *registry.Registry, hub *streaming.Hub, log *logger.Logger) *Handler {
	return &Handler{
		store:    st,
		queue:    q,
		registry: reg,
		hub:      hub,
		logger:   log.WithFields(zap.String("component", "http-api")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// writeError maps any error onto the wire format. Non-AppErrors become
// opaque 500s so internals never leak.
func writeError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.InternalError("internal error", err)
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// RegisterGroup registers a conversation group.
// POST /api/v1/groups
func (h *Handler) RegisterGroup(c *gin.Context) {
	var req RegisterGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	if err := store.ValidateFolder(req.Folder); err != nil {
		writeError(c, err)
		return
	}

	group := &v1.RegisteredGroup{
		JID:             req.JID,
		Name:            req.Name,
		Folder:          req.Folder,
		TriggerPattern:  req.TriggerPattern,
		RequiresTrigger: req.RequiresTrigger,
		ContainerConfig: req.ContainerConfig,
		AddedAt:         time.Now().UTC(),
	}

	if err := h.store.RegisterGroup(c.Request.Context(), group); err != nil {
		h.logger.Error("Failed to register group", zap.String("jid", req.JID), zap.Error(err))
		writeError(c, err)
		return
	}

	h.logger.Info("Group registered",
		zap.String("jid", group.JID), zap.String("folder", group.Folder))
	c.JSON(http.StatusCreated, group)
}

// ListGroups returns every registered group.
// GET /api/v1/groups
func (h *Handler) ListGroups(c *gin.Context) {
	groups, err := h.store.ListGroups(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, GroupsListResponse{Groups: groups, Total: len(groups)})
}

// GetGroup returns one registered group.
// GET /api/v1/groups/:jid
func (h *Handler) GetGroup(c *gin.Context) {
	group, err := h.store.GetGroupByJID(c.Request.Context(), c.Param("jid"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, group)
}

// UpdateGroup changes a group's settings.
// PUT /api/v1/groups/:jid
func (h *Handler) UpdateGroup(c *gin.Context) {
	var req UpdateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	group, err := h.store.GetGroupByJID(c.Request.Context(), c.Param("jid"))
	if err != nil {
		writeError(c, err)
		return
	}

	group.Name = req.Name
	group.TriggerPattern = req.TriggerPattern
	group.RequiresTrigger = req.RequiresTrigger
	group.ContainerConfig = req.ContainerConfig

	if err := h.store.UpdateGroup(c.Request.Context(), group); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, group)
}

// DeleteGroup removes a group. Its sandbox, if running, keeps running
// until it drains or idles out.
// DELETE /api/v1/groups/:jid
func (h *Handler) DeleteGroup(c *gin.Context) {
	jid := c.Param("jid")
	if err := h.store.DeleteGroup(c.Request.Context(), jid); err != nil {
		writeError(c, err)
		return
	}
	h.logger.Info("Group deleted", zap.String("jid", jid))
	c.JSON(http.StatusOK, gin.H{"message": "group deleted"})
}

// InjectMessage delivers a message to a group, spawning its sandbox if
// needed.
// POST /api/v1/groups/:jid/messages
func (h *Handler) InjectMessage(c *gin.Context) {
	var req InjectMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	text := req.Text
	if req.Sender != "" {
		text = req.Sender + ": " + req.Text
	}

	if err := h.queue.Deliver(c.Request.Context(), c.Param("jid"), text); err != nil {
		h.logger.Error("Failed to deliver message",
			zap.String("jid", c.Param("jid")), zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "delivered"})
}

// ResetGroup asks the group's sandbox to finish its turn and exit, so
// the next message starts a fresh one.
// POST /api/v1/groups/:jid/reset
func (h *Handler) ResetGroup(c *gin.Context) {
	if err := h.queue.CloseStdin(c.Param("jid")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "sandbox draining"})
}

// GetGroupStatus returns the queue's view of one group.
// GET /api/v1/groups/:jid/status
func (h *Handler) GetGroupStatus(c *gin.Context) {
	status, err := h.queue.Status(c.Param("jid"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetStatus returns the queue's view of every known group.
// GET /api/v1/status
func (h *Handler) GetStatus(c *gin.Context) {
	statuses := h.queue.StatusAll()
	c.JSON(http.StatusOK, StatusListResponse{Groups: statuses, Total: len(statuses)})
}

// ListProfiles returns the sandbox profiles.
// GET /api/v1/profiles
func (h *Handler) ListProfiles(c *gin.Context) {
	profiles := h.registry.List()

	out := make([]ProfileResponse, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, ProfileResponse{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			Image:       p.ImageRef(),
			EgressAllow: p.EgressAllow,
			Enabled:     p.Enabled,
		})
	}
	c.JSON(http.StatusOK, ProfilesListResponse{Profiles: out, Total: len(out)})
}

// ServeWS upgrades the connection and hands it to the hub.
// GET /ws
func (h *Handler) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := streaming.NewClient(uuid.New().String(), conn, h.hub, h.logger)
	client.Serve()
}

// HealthCheck returns health status.
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
	})
}
