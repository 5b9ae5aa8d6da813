package api

import (
	"errors"
	"net/http"

	"synkros/internal/server/rooms"
	"synkros/internal/server/service"

	"github.com/labstack/echo/v4"
)

// errBadRequest marks malformed request bodies and parameters.
var errBadRequest = errors.New("bad request")

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, echo.Map{"error": msg, "rayId": rayID(c)})
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, errBadRequest):
		return errorJSON(c, http.StatusBadRequest, err.Error())

	// files
	case errors.Is(err, service.ErrNotFound):
		return errorJSON(c, http.StatusNotFound, "file not found")
	case errors.Is(err, service.ErrMissingFile):
		return errorJSON(c, http.StatusBadRequest, "file is required (use form field 'myFile')")
	case errors.Is(err, service.ErrUploadTooLarge):
		return errorJSON(c, http.StatusBadRequest, "file exceeds maximum allowed size")
	case errors.Is(err, service.ErrInvalidRecipient):
		return errorJSON(c, http.StatusBadRequest, "invalid recipient address")
	case errors.Is(err, service.ErrRecipientExists):
		return errorJSON(c, http.StatusUnprocessableEntity, "recipient already added")

	// rooms
	case errors.Is(err, rooms.ErrRoomNotFound):
		return errorJSON(c, http.StatusNotFound, "room not found")
	case errors.Is(err, rooms.ErrInvalidPassword):
		return errorJSON(c, http.StatusForbidden, "invalid password")
	case errors.Is(err, rooms.ErrRoomFull):
		return errorJSON(c, http.StatusForbidden, "room is full")
	case errors.Is(err, rooms.ErrPeerNotInRoom):
		return errorJSON(c, http.StatusForbidden, "peer not in room")
	case errors.Is(err, rooms.ErrTargetNotFound):
		return errorJSON(c, http.StatusNotFound, "target peer not found")
	case errors.Is(err, rooms.ErrInvalidSignalType),
		errors.Is(err, rooms.ErrEmptySignal),
		errors.Is(err, rooms.ErrInvalidMaxPeers),
		errors.Is(err, rooms.ErrWeakPassword):
		return errorJSON(c, http.StatusBadRequest, errorMessage(err))

	default:
		logger(c).Error("request failed", "path", c.Path(), "error", err)
		return errorJSON(c, http.StatusInternalServerError, "internal server error")
	}
}

// errorMessage unwraps to the sentinel's text so wrapped details stay
// server-side.
func errorMessage(err error) string {
	for _, target := range []error{
		rooms.ErrInvalidSignalType,
		rooms.ErrEmptySignal,
		rooms.ErrInvalidMaxPeers,
		rooms.ErrWeakPassword,
	} {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return err.Error()
}

// httpErrorHandler renders echo's own errors (unknown routes, oversized
// bodies) in the same shape as handler errors.
func httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	msg := "internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(status)
		}
	} else {
		logger(c).Error("unhandled error", "path", c.Path(), "error", err)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = errorJSON(c, status, msg)
	}
	if err != nil {
		logger(c).Error("failed to write error response", "error", err)
	}
}
