package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"shadegate/internal/service"

	"github.com/gin-gonic/gin"
)

// Common response/status constants to avoid magic strings and typos.
const (
	statusOK = "ok"

	errInvalidDeviceID = "invalid device id"
	errDeviceNotFound  = "device not found"
	errDispatch        = "failed to send command"
	errInvalidBodyPref = "invalid body: "
)

// Centralized error logging and response.
func (h *Handler) logAndJSONError(c *gin.Context, httpCode int, userMsg, logKey string, err error, kv ...interface{}) {
	if h.log != nil && err != nil {
		fields := append([]interface{}{"err", err}, kv...)
		h.log.Errorw(logKey, fields...)
	}
	c.JSON(httpCode, gin.H{"error": userMsg})
}

// SetPercentRequest is the payload of the percent endpoint.
type SetPercentRequest struct {
	// Target opening, 0 (closed) to 100 (open)
	Percent *int `json:"percent" binding:"required" example:"50"`
}

// SendCommandRequest is the payload of the raw command endpoint.
type SendCommandRequest struct {
	// Native command value, passed through untranslated
	Command *int `json:"command" binding:"required" example:"87"`
}

// deviceID reads the :id path parameter. Device ids are decimal chip ids.
func deviceID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidDeviceID})
		return "", false
	}
	return id, true
}

// @Summary      Health check
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status, live_sessions, known_devices"
// @Router       /health [get]
func (h *Handler) health(c *gin.Context) {
	hs := h.services.Gateway.Health(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"status":        statusOK,
		"live_sessions": hs.LiveSessions,
		"known_devices": hs.KnownDevices,
	})
}

// @Summary      List devices
// @Tags         devices
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "count, devices"
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/devices [get]
// @Security     BearerAuth
func (h *Handler) listDevices(c *gin.Context) {
	devices := h.services.Gateway.ListDevices(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"count":   len(devices),
		"devices": devices,
	})
}

// @Summary      Get device
// @Tags         devices
// @Produce      json
// @Param        id   path      string  true  "Chip id"
// @Success      200  {object}  models.DeviceRecord
// @Failure      400  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /api/v1/devices/{id} [get]
// @Security     BearerAuth
func (h *Handler) getDevice(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	d, err := h.services.Gateway.Device(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": errDeviceNotFound})
		return
	}
	c.JSON(http.StatusOK, d)
}

// @Summary      Move shade to a percentage
// @Description  Translates the percentage through the calibration range. An offline device yields status "offline" and nothing is sent.
// @Tags         devices
// @Accept       json
// @Produce      json
// @Param        id    path      string             true  "Chip id"
// @Param        body  body      SetPercentRequest  true  "Target percentage"
// @Success      200   {object}  models.CommandResult
// @Failure      400   {object}  map[string]string
// @Failure      401   {object}  map[string]string
// @Router       /api/v1/devices/{id}/percent [post]
// @Security     BearerAuth
func (h *Handler) setPercent(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	var req SetPercentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}

	res, err := h.services.Gateway.SetPercent(c.Request.Context(), id, *req.Percent)
	if err != nil {
		if errors.Is(err, service.ErrInvalidPercent) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logAndJSONError(c, http.StatusInternalServerError, errDispatch, "device_set_percent_failed", err, "chip_id", id)
		return
	}
	c.JSON(http.StatusOK, res)
}

// @Summary      Send a raw command
// @Tags         devices
// @Accept       json
// @Produce      json
// @Param        id    path      string              true  "Chip id"
// @Param        body  body      SendCommandRequest  true  "Native command"
// @Success      200   {object}  models.CommandResult
// @Failure      400   {object}  map[string]string
// @Failure      401   {object}  map[string]string
// @Router       /api/v1/devices/{id}/command [post]
// @Security     BearerAuth
func (h *Handler) sendCommand(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	var req SendCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}

	res, err := h.services.Gateway.SetRawCommand(c.Request.Context(), id, *req.Command)
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, errDispatch, "device_send_command_failed", err, "chip_id", id)
		return
	}
	c.JSON(http.StatusOK, res)
}
