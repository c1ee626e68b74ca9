package pushgw

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// DeviceStore abstracts device-token persistence. Implemented by the
// PostgreSQL store in pgstore.
type DeviceStore interface {
	// RegisterDevice upserts a push target for a number. Registering an
	// existing token moves it to the new number and refreshes last_seen_at.
	RegisterDevice(numberID int64, token, platform, lineKind string) (*Device, error)

	// RemoveDevice deletes a push target by token. Unknown tokens are not
	// an error.
	RemoveDevice(token string) error

	// DevicesForNumber returns every push target registered for a number.
	DevicesForNumber(numberID int64) ([]Device, error)
}

// Sender delivers a notification to a device token. platform is "fcm" or
// "apns".
type Sender interface {
	Send(platform, token string, n Notification) error
}

// DeliveryLogger records push delivery attempts for audit and debugging.
type DeliveryLogger interface {
	Log(entry DeliveryLogEntry) error
}

// Server holds the push gateway HTTP handler dependencies.
type Server struct {
	router      *chi.Mux
	store       DeviceStore
	sender      Sender
	deliveryLog DeliveryLogger
	rateLimiter *RateLimiter
}

// NewServer creates a push gateway HTTP server with all routes mounted.
// If rateLimiter is non-nil, rate limiting is applied to the push endpoint.
func NewServer(store DeviceStore, sender Sender, deliveryLog DeliveryLogger, rateLimiter *RateLimiter) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		store:       store,
		sender:      sender,
		deliveryLog: deliveryLog,
		rateLimiter: rateLimiter,
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router returns the underlying chi.Mux so the caller can add middleware.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// routes mounts all push gateway API routes under /v1.
func (s *Server) routes() {
	r := s.router

	r.Route("/v1", func(r chi.Router) {
		if s.rateLimiter != nil {
			r.With(s.rateLimiter.Middleware).Post("/push", s.handlePush)
		} else {
			r.Post("/push", s.handlePush)
		}
		r.Post("/devices", s.handleRegisterDevice)
		r.Delete("/devices", s.handleUnregisterDevice)
		r.Get("/devices", s.handleListDevices)
	})
}

// handlePush handles POST /v1/push: build the wire payload for each target
// device and deliver it.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if s.store == nil || s.sender == nil {
		writeError(w, http.StatusServiceUnavailable, "push service not configured")
		return
	}

	var req PushRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if req.NumberID <= 0 {
		writeError(w, http.StatusBadRequest, "number_id is required")
		return
	}
	if req.Event == "" {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}
	if req.PushToken != "" && req.PushPlatform != "fcm" && req.PushPlatform != "apns" {
		writeError(w, http.StatusBadRequest, "push_platform must be fcm or apns")
		return
	}

	targets, err := s.resolveTargets(req)
	if err != nil {
		slog.Error("push: resolving targets failed", "error", err, "number_id", req.NumberID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if len(targets) == 0 {
		writeError(w, http.StatusNotFound, "no devices registered for number")
		return
	}

	delivered := 0
	for _, d := range targets {
		n, err := BuildNotification(d.LineKind, req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		sendErr := s.sender.Send(d.Platform, d.Token, n)
		s.logAttempt(req, d, sendErr)
		if sendErr != nil {
			slog.Error("push: delivery failed",
				"error", sendErr, "platform", d.Platform,
				"number_id", req.NumberID, "call_id", req.CallID,
			)
			continue
		}
		delivered++
	}

	if delivered == 0 {
		writeError(w, http.StatusBadGateway, "push delivery failed")
		return
	}

	slog.Info("push: notification sent",
		"number_id", req.NumberID, "event", req.Event,
		"delivered", delivered, "attempted", len(targets),
	)
	writeJSON(w, http.StatusOK, PushResponse{
		Delivered: delivered,
		Attempted: len(targets),
		CallID:    req.CallID,
	})
}

// resolveTargets picks the devices a push goes to: an explicit token in
// the request targets just that device, otherwise every device registered
// for the number.
func (s *Server) resolveTargets(req PushRequest) ([]Device, error) {
	if req.PushToken != "" {
		devices, err := s.store.DevicesForNumber(req.NumberID)
		if err != nil {
			return nil, err
		}
		for _, d := range devices {
			if d.Token == req.PushToken {
				return []Device{d}, nil
			}
		}
		// An unregistered explicit token is still pushed; line kind
		// defaults to the legacy form.
		return []Device{{
			NumberID: req.NumberID,
			Token:    req.PushToken,
			Platform: req.PushPlatform,
			LineKind: "sip",
		}}, nil
	}
	return s.store.DevicesForNumber(req.NumberID)
}

func (s *Server) logAttempt(req PushRequest, d Device, sendErr error) {
	if s.deliveryLog == nil {
		return
	}
	entry := DeliveryLogEntry{
		NumberID:  req.NumberID,
		Platform:  d.Platform,
		CallID:    req.CallID,
		Event:     req.Event,
		Success:   sendErr == nil,
		Timestamp: time.Now(),
	}
	if sendErr != nil {
		entry.Error = sendErr.Error()
	}
	if err := s.deliveryLog.Log(entry); err != nil {
		slog.Error("push: failed to write delivery log", "error", err)
	}
}

// handleRegisterDevice handles POST /v1/devices.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "device registry not configured")
		return
	}

	var req RegisterRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if req.NumberID <= 0 {
		writeError(w, http.StatusBadRequest, "number_id is required")
		return
	}
	if req.PushToken == "" {
		writeError(w, http.StatusBadRequest, "push_token is required")
		return
	}
	if req.PushPlatform != "fcm" && req.PushPlatform != "apns" {
		writeError(w, http.StatusBadRequest, "push_platform must be fcm or apns")
		return
	}
	if req.LineKind != "sip" && req.LineKind != "cloud" {
		writeError(w, http.StatusBadRequest, "line_kind must be sip or cloud")
		return
	}

	d, err := s.store.RegisterDevice(req.NumberID, req.PushToken, req.PushPlatform, req.LineKind)
	if err != nil {
		slog.Error("device register: store error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("device registered",
		"device_id", d.ID, "number_id", d.NumberID,
		"platform", d.Platform, "token_prefix", truncateToken(d.Token),
	)
	writeJSON(w, http.StatusOK, RegisterResponse{
		DeviceID:     d.ID,
		RegisteredAt: d.CreatedAt,
	})
}

// handleUnregisterDevice handles DELETE /v1/devices.
func (s *Server) handleUnregisterDevice(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "device registry not configured")
		return
	}

	var req UnregisterRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.PushToken == "" {
		writeError(w, http.StatusBadRequest, "push_token is required")
		return
	}

	if err := s.store.RemoveDevice(req.PushToken); err != nil {
		slog.Error("device unregister: store error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("device unregistered", "token_prefix", truncateToken(req.PushToken))
	writeJSON(w, http.StatusOK, struct{}{})
}

// handleListDevices handles GET /v1/devices?number_id=N.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "device registry not configured")
		return
	}

	numberID, err := strconv.ParseInt(r.URL.Query().Get("number_id"), 10, 64)
	if err != nil || numberID <= 0 {
		writeError(w, http.StatusBadRequest, "number_id query param is required")
		return
	}

	devices, err := s.store.DevicesForNumber(numberID)
	if err != nil {
		slog.Error("device list: store error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, DeviceList{NumberID: numberID, Devices: devices})
}

// truncateToken returns the first 8 characters of a push token for safe
// logging.
func truncateToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}

// envelope is the standard response wrapper for the push gateway API.
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status code and data payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}

// maxRequestBodySize is the upper limit for JSON request bodies (1 MB).
const maxRequestBodySize = 1 << 20

// readJSON decodes a JSON request body into dst with size limiting.
// Returns a user-friendly error string on failure, or "" on success.
func readJSON(r *http.Request, dst any) string {
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return "invalid request body"
	}

	if dec.More() {
		return "request body must contain a single json object"
	}

	return ""
}
