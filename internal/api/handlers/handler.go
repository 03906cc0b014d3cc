package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/cardata/internal/auth"
	"github.com/langchou/cardata/internal/poller"
	"github.com/langchou/cardata/internal/quota"
	"github.com/langchou/cardata/internal/service"
	"github.com/langchou/cardata/pkg/ws"
)

// Handler serves the HTTP API.
type Handler struct {
	logger         *zap.Logger
	registry       *service.Registry
	defaultAccount string
	wsHub          *ws.Hub
	upgrader       websocket.Upgrader
}

// NewHandler creates the handler.
func NewHandler(logger *zap.Logger, registry *service.Registry, defaultAccount string, wsHub *ws.Hub) *Handler {
	return &Handler{
		logger:         logger,
		registry:       registry,
		defaultAccount: defaultAccount,
		wsHub:          wsHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RegisterRoutes registers all routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api")
	{
		// session status
		api.GET("/status", h.GetStatus)
		api.GET("/quota", h.GetQuota)

		// device-code authentication
		api.POST("/auth/device", h.BeginDeviceAuth)
		api.POST("/auth/poll", h.PollDeviceAuth)

		// vehicles
		api.GET("/vehicles", h.ListVehicles)
		api.GET("/vehicles/:vin/soc", h.GetSoc)

		// on-demand fetches; these share the scheduled poller's budget
		api.POST("/fetch/telematic/:vin", h.FetchTelematic)
		api.POST("/fetch/basicdata/:vin", h.FetchBasicData)
		api.POST("/fetch/mappings", h.FetchMappings)
	}

	// WebSocket event stream
	r.GET("/ws", h.HandleWebSocket)

	r.GET("/health", h.HealthCheck)
}

// session resolves the target session from the optional account query param.
func (h *Handler) session(c *gin.Context) *service.Session {
	account := c.Query("account")
	if account == "" {
		account = h.defaultAccount
	}
	s := h.registry.Get(account)
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown account"})
	}
	return s
}

// GetStatus reports the auth and streaming state.
func (h *Handler) GetStatus(c *gin.Context) {
	s := h.session(c)
	if s == nil {
		return
	}

	status := gin.H{
		"account":      s.AccountID(),
		"auth_state":   s.Auth().State(),
		"stream_state": s.Stream().State(),
		"quota":        s.Quota().Snapshot(),
	}
	if since := s.Stream().ConnectedSince(); !since.IsZero() {
		status["connected_since"] = since
	}
	if last := s.Stream().LastMessageAt(); !last.IsZero() {
		status["last_message_at"] = last
	}

	c.JSON(http.StatusOK, gin.H{"data": status})
}

// GetQuota reports the API budget.
func (h *Handler) GetQuota(c *gin.Context) {
	s := h.session(c)
	if s == nil {
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.Quota().Snapshot()})
}

// BeginDeviceAuth starts the device-code flow and returns the verification
// URL. Token polling continues in the background.
func (h *Handler) BeginDeviceAuth(c *gin.Context) {
	s := h.session(c)
	if s == nil {
		return
	}

	authz, err := s.Authorize(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to start device authorization", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"user_code":        authz.UserCode,
		"verification_url": authz.VerificationURL(),
		"expires_in":       authz.ExpiresIn,
		"interval":         authz.Interval,
	}})
}

// PollDeviceAuth reports how far the background token poll has gotten so a
// caller can poll until approval lands.
func (h *Handler) PollDeviceAuth(c *gin.Context) {
	s := h.session(c)
	if s == nil {
		return
	}

	state := s.Auth().State()
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"state":         state,
		"authenticated": state == auth.StateAuthenticated,
	}})
}

// ListVehicles returns the persisted vehicle metadata.
func (h *Handler) ListVehicles(c *gin.Context) {
	s := h.session(c)
	if s == nil {
		return
	}

	vehicles, err := s.Vehicles(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list vehicles", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list vehicles"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": vehicles})
}

// GetSoc returns the extrapolated state of charge for one vehicle.
func (h *Handler) GetSoc(c *gin.Context) {
	s := h.session(c)
	if s == nil {
		return
	}
	vin := c.Param("vin")

	estimate, ok := s.Soc().Estimate(vin, time.Now())
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No state of charge known for vehicle"})
		return
	}

	data := gin.H{
		"vin": vin,
		"soc": estimate,
	}
	if rate, ok := s.Soc().Rate(vin); ok {
		data["rate_per_hour"] = rate
	}
	if state, ok := s.Soc().Snapshot(vin); ok {
		data["charging_status"] = state.ChargingStatus
		data["base_soc"] = state.BaseSoc
		data["base_timestamp"] = state.BaseTimestamp
	}

	c.JSON(http.StatusOK, gin.H{"data": data})
}

// FetchTelematic triggers an on-demand container fetch for one vehicle.
func (h *Handler) FetchTelematic(c *gin.Context) {
	s := h.session(c)
	if s == nil {
		return
	}
	vin := c.Param("vin")

	if err := s.Poller().FetchTelematicData(c.Request.Context(), vin); err != nil {
		h.fetchError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"vin": vin, "quota": s.Quota().Snapshot()}})
}

// FetchBasicData triggers an on-demand basic-data fetch for one vehicle.
func (h *Handler) FetchBasicData(c *gin.Context) {
	s := h.session(c)
	if s == nil {
		return
	}
	vin := c.Param("vin")

	meta, err := s.Poller().FetchBasicData(c.Request.Context(), vin)
	if err != nil {
		h.fetchError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": meta})
}

// FetchMappings triggers an on-demand vehicle mapping fetch.
func (h *Handler) FetchMappings(c *gin.Context) {
	s := h.session(c)
	if s == nil {
		return
	}

	mappings, err := s.Poller().FetchVehicleMappings(c.Request.Context())
	if err != nil {
		h.fetchError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": mappings})
}

// fetchError maps fetch failures to status codes. Quota refusals carry a
// Retry-After header so clients can back off precisely.
func (h *Handler) fetchError(c *gin.Context, err error) {
	var quotaErr *quota.QuotaExceededError
	switch {
	case errors.As(err, &quotaErr):
		c.Header("Retry-After", quotaErr.RetryAfter.Round(time.Second).String())
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, poller.ErrStreamSettling):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Fetch failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

// HandleWebSocket upgrades the connection and attaches it to the hub.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	client.Register()

	go client.ReadPump()
	go client.WritePump()
}

// HealthCheck reports liveness.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"ws_clients": h.wsHub.ClientCount(),
	})
}
