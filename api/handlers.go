package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"emulatorwatch/models"
	"emulatorwatch/remote"
	"emulatorwatch/service"
)

// HostResolver lists configured hosts and resolves aliases to dial.
type HostResolver interface {
	Hosts() ([]models.SSHHost, error)
	Resolve(alias string) (models.SSHHost, error)
}

// InventoryReader reads recorded device sightings.
type InventoryReader interface {
	ListSightings(ctx context.Context, hostAlias string) ([]models.DeviceSighting, error)
}

// Server holds what the HTTP handlers need.
type Server struct {
	sessions  *service.SessionManager
	hosts     HostResolver
	inventory InventoryReader
	hub       *WebSocketHub
	log       *slog.Logger
}

// NewServer wires the handlers. inventory may be nil.
func NewServer(sessions *service.SessionManager, hosts HostResolver, inventory InventoryReader, hub *WebSocketHub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sessions:  sessions,
		hosts:     hosts,
		inventory: inventory,
		hub:       hub,
		log:       logger,
	}
}

// FrameSink returns the session sink that feeds viewers.
func FrameSink(hub *WebSocketHub) service.FrameSink {
	return hub.BroadcastFrame
}

// LatestFrame reads the frame cache of whichever session is live, so a
// frame never outlives the session that captured it.
func LatestFrame(sessions *service.SessionManager) FrameSource {
	return func(serial string) (models.FrameEvent, bool) {
		session, err := sessions.Current()
		if err != nil {
			return models.FrameEvent{}, false
		}
		return session.Frames.Get(serial)
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNoSession):
		return http.StatusConflict
	case errors.Is(err, service.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrSupervisorClosed), errors.Is(err, service.ErrDispatcherClosed):
		return http.StatusConflict
	case errors.Is(err, remote.ErrUnreachable), errors.Is(err, remote.ErrNotConnected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), models.ErrorResponse(err))
}

// session returns the live session or writes a 409.
func (s *Server) session(c *gin.Context) (*service.Session, bool) {
	session, err := s.sessions.Current()
	if err != nil {
		fail(c, err)
		return nil, false
	}
	return session, true
}

func (s *Server) Health(c *gin.Context) {
	status := gin.H{"status": "ok", "viewers": s.hub.ClientCount()}
	if session, err := s.sessions.Current(); err == nil {
		status["session"] = session.ID
	}
	c.JSON(http.StatusOK, models.SuccessResponse(status))
}

func (s *Server) ListHosts(c *gin.Context) {
	hosts, err := s.hosts.Hosts()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(hosts))
}

type connectRequest struct {
	Host      string `json:"host" binding:"required"`
	StreamAll bool   `json:"stream_all"`
}

// Connect replaces the current session with one for the requested host.
func (s *Server) Connect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err))
		return
	}
	host, err := s.hosts.Resolve(req.Host)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err))
		return
	}

	session, err := s.sessions.Connect(c.Request.Context(), host)
	if err != nil {
		fail(c, err)
		return
	}

	if _, err := session.Refresh(c.Request.Context()); err != nil {
		s.log.Warn("initial device scan failed", "host", host.Alias, "error", err)
	} else if req.StreamAll {
		if err := session.StartAll(); err != nil {
			s.log.Warn("failed to start streams", "error", err)
		}
	}

	info := session.Info()
	s.hub.BroadcastEvent(gin.H{"type": "session", "session": info})
	c.JSON(http.StatusOK, models.SuccessResponse(info))
}

func (s *Server) Disconnect(c *gin.Context) {
	if err := s.sessions.Disconnect(); err != nil {
		s.log.Warn("error closing session", "error", err)
	}
	s.hub.BroadcastEvent(gin.H{"type": "session", "session": nil})
	c.JSON(http.StatusOK, models.MessageResponse("disconnected"))
}

func (s *Server) GetSession(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(session.Info()))
}

func (s *Server) GetDevices(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(session.Devices.GetAllDevices()))
}

func (s *Server) ScanDevices(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	devices, err := session.Refresh(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(devices))
}

func (s *Server) GetStreams(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(session.Supervisor.Stats()))
}

func (s *Server) StartStream(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	serial := c.Param("serial")
	device, found := session.Devices.GetDevice(serial)
	if !found {
		fail(c, fmt.Errorf("%w: %s", service.ErrDeviceNotFound, serial))
		return
	}
	if err := session.Supervisor.StartStream(device); err != nil {
		fail(c, err)
		return
	}
	s.hub.BroadcastEvent(gin.H{"type": "stream_started", "device_id": serial})
	c.JSON(http.StatusOK, models.MessageResponse("streaming "+serial))
}

func (s *Server) StartAllStreams(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	if err := session.StartAll(); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(session.Supervisor.ActiveSerials()))
}

func (s *Server) StopStream(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	serial := c.Param("serial")
	session.StopStream(serial)
	s.hub.BroadcastEvent(gin.H{"type": "stream_stopped", "device_id": serial})
	c.JSON(http.StatusOK, models.MessageResponse("stopped "+serial))
}

func (s *Server) StopAllStreams(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	session.StopAll()
	c.JSON(http.StatusOK, models.MessageResponse("all streams stopped"))
}

// GetFrame serves the latest PNG of a device in the live session.
func (s *Server) GetFrame(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	ev, ok := session.Frames.Get(c.Param("serial"))
	if !ok {
		c.JSON(http.StatusNotFound, models.ErrorResponse(errors.New("no frame captured yet")))
		return
	}
	c.Header("X-Frame-Timestamp", strconv.FormatInt(ev.Timestamp.UnixMilli(), 10))
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", ev.Data)
}

func (s *Server) DispatchAction(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	var data models.ActionData
	if err := c.ShouldBindJSON(&data); err != nil || data.Type == "" {
		if err == nil {
			err = errors.New("action type is required")
		}
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err))
		return
	}
	action, err := session.Actions.DispatchToDevice(c.Param("serial"), data)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, models.SuccessResponse(action))
}

func (s *Server) DispatchBatch(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	var req models.ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Action.Type == "" {
		if err == nil {
			err = errors.New("action type is required")
		}
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err))
		return
	}
	serials := req.Serials
	if len(serials) == 0 {
		for _, d := range session.Devices.GetAllDevices() {
			serials = append(serials, d.Serial)
		}
	}
	c.JSON(http.StatusAccepted, models.SuccessResponse(session.Actions.DispatchBatch(serials, req.Action)))
}

func (s *Server) GetAction(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	action, found := session.Actions.GetAction(c.Param("id"))
	if !found {
		c.JSON(http.StatusNotFound, models.ErrorResponse(errors.New("action not found")))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(action))
}

func (s *Server) GetInventory(c *gin.Context) {
	if s.inventory == nil {
		c.JSON(http.StatusOK, models.SuccessResponse([]models.DeviceSighting{}))
		return
	}
	sightings, err := s.inventory.ListSightings(c.Request.Context(), c.Query("host"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(sightings))
}
