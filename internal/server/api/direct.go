package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"synkros/internal/server/rooms"

	"github.com/labstack/echo/v4"
)

type createRoomRequest struct {
	Password string `json:"password"`
	MaxPeers int    `json:"maxPeers"`
}

type joinRoomRequest struct {
	Password string `json:"password"`
}

type signalRequest struct {
	PeerID       string          `json:"peerId"`
	TargetPeerID string          `json:"targetPeerId"`
	Type         string          `json:"type"`
	Data         json.RawMessage `json:"data"`
}

type peerRequest struct {
	PeerID string `json:"peerId"`
}

// HandleDirectConfig handles GET /direct/config.
// Returns the ICE servers clients should use.
func (h *Handler) HandleDirectConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"stunServers": h.cfg.STUNServers,
		"maxPeers":    rooms.MaxPeers,
	})
}

// HandleCreateRoom handles POST /direct/rooms.
func (h *Handler) HandleCreateRoom(c echo.Context) error {
	var req createRoomRequest
	if err := c.Bind(&req); err != nil {
		return mapServiceError(c, fmt.Errorf("%w: invalid body", errBadRequest))
	}
	if req.MaxPeers == 0 {
		req.MaxPeers = rooms.MinPeers
	}

	room, err := h.rooms.Create(c.Request().Context(), req.Password, req.MaxPeers)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"roomCode":  room.Code,
		"maxPeers":  room.MaxPeers,
		"expiresAt": room.ExpiresAt,
	})
}

// HandleValidateRoom handles GET /direct/rooms/:code?password=.
func (h *Handler) HandleValidateRoom(c echo.Context) error {
	status, err := h.rooms.Validate(c.Request().Context(), c.Param("code"), c.QueryParam("password"))
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, status)
}

// HandleJoinRoom handles POST /direct/rooms/:code/join.
func (h *Handler) HandleJoinRoom(c echo.Context) error {
	var req joinRoomRequest
	if err := c.Bind(&req); err != nil {
		return mapServiceError(c, fmt.Errorf("%w: invalid body", errBadRequest))
	}

	joined, err := h.rooms.Join(c.Request().Context(), c.Param("code"), req.Password)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, joined)
}

// HandleSignal handles POST /direct/rooms/:code/signal.
func (h *Handler) HandleSignal(c echo.Context) error {
	var req signalRequest
	if err := c.Bind(&req); err != nil {
		return mapServiceError(c, fmt.Errorf("%w: invalid body", errBadRequest))
	}
	if req.PeerID == "" || req.TargetPeerID == "" {
		return mapServiceError(c, fmt.Errorf("%w: peerId and targetPeerId are required", errBadRequest))
	}

	err := h.rooms.PostSignal(c.Request().Context(), c.Param("code"), rooms.Outgoing{
		From: req.PeerID,
		To:   req.TargetPeerID,
		Type: req.Type,
		Data: req.Data,
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

// HandlePoll handles GET /direct/rooms/:code/poll?peerId=.
func (h *Handler) HandlePoll(c echo.Context) error {
	peerID := c.QueryParam("peerId")
	if peerID == "" {
		return mapServiceError(c, fmt.Errorf("%w: peerId is required", errBadRequest))
	}

	inbox, err := h.rooms.Poll(c.Request().Context(), c.Param("code"), peerID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, inbox)
}

// HandleLeaveRoom handles POST /direct/rooms/:code/leave.
func (h *Handler) HandleLeaveRoom(c echo.Context) error {
	var req peerRequest
	if err := c.Bind(&req); err != nil {
		return mapServiceError(c, fmt.Errorf("%w: invalid body", errBadRequest))
	}

	if err := h.rooms.Leave(c.Request().Context(), c.Param("code"), req.PeerID); err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"success": true})
}
