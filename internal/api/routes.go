package api

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/locker-control/lcc/internal/auth"
	"github.com/locker-control/lcc/internal/command"
	"github.com/locker-control/lcc/internal/identity"
	"github.com/locker-control/lcc/internal/ratelimit"
	"github.com/locker-control/lcc/internal/store"
)

// RegisterRoutes wires all /api/v1 endpoints.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	apiV1 := "/api/v1"

	// Kiosk surface: anonymous, rate limited.
	mux.HandleFunc(apiV1+"/health", s.handleHealth)
	mux.HandleFunc(apiV1+"/scan", s.handleScan)
	mux.HandleFunc(apiV1+"/select", s.handleSelect)

	if s.authMW == nil {
		mux.HandleFunc(apiV1+"/master-open", s.handleMasterOpen)
		mux.HandleFunc(apiV1+"/commands", s.handleCommands)
		mux.HandleFunc(apiV1+"/commands/", s.handleCommandByID)
		mux.HandleFunc(apiV1+"/events", s.handleEvents)
		return
	}

	requireControl := func(h http.HandlerFunc) http.HandlerFunc {
		return s.authMW.RequireAuth(s.authMW.RequireScope(auth.ScopeControl)(h))
	}
	requireRead := func(h http.HandlerFunc) http.HandlerFunc {
		return s.authMW.RequireAuth(s.authMW.RequireScope(auth.ScopeRead)(h))
	}

	mux.HandleFunc(apiV1+"/master-open", requireControl(s.handleMasterOpen))
	mux.HandleFunc(apiV1+"/commands", requireControl(s.handleCommands))
	mux.HandleFunc(apiV1+"/commands/", requireRead(s.handleCommandByID))
	mux.HandleFunc(apiV1+"/events", s.authMW.RequireAuth(s.authMW.RequireScope(auth.ScopeEvents)(s.handleEvents)))
}

type scanRequest struct {
	RawHex   string `json:"rawHex"`
	KioskID  string `json:"kioskId"`
	ZoneID   string `json:"zoneId"`
	DeviceID string `json:"deviceId"`
}

// handleScan is the kiosk entry point: a card tap or QR presentation.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req scanRequest
	if !decodeStrict(w, r, &req) {
		return
	}
	if req.RawHex == "" {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "rawHex is required", nil)
		return
	}
	kiosk := s.kioskOr(req.KioskID)

	if !s.allow(w, r, 0, req.DeviceID) {
		return
	}

	ownerKey, err := s.identity.Resolve(kiosk, req.RawHex)
	if err != nil {
		s.writeScanError(w, err)
		return
	}
	ownerType := store.OwnerRFID
	if req.DeviceID != "" {
		ownerType = store.OwnerDevice
	}

	ctx := r.Context()
	held, err := s.lockers.CheckExistingOwnership(ctx, ownerKey, ownerType)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if held != nil {
		// Repeat scan on a held locker opens it. VIP contract lockers are
		// not openable from a device QR code.
		if held.IsVIP && ownerType == store.OwnerDevice {
			WriteError(w, http.StatusLocked, "VIP_BLOCKED",
				"VIP lockers cannot be opened from a device", nil)
			return
		}
		openErr := s.lockers.OpenForOwner(ctx, held, false)
		s.audit("kiosk", kiosk, held.ID, "scan_open", map[string]any{
			"ownerType": string(ownerType),
		}, openErr)
		if openErr != nil {
			WriteDomainError(w, openErr)
			return
		}
		// VIP lockers stay owned after a non-forced open; public lockers
		// release on the repeat scan.
		status := "free"
		if held.IsVIP {
			status = "owned"
		}
		WriteSuccess(w, map[string]any{
			"action":   "open_locker",
			"lockerId": held.ID,
			"status":   status,
		})
		return
	}

	free, err := s.lockers.ListFree(ctx, kiosk)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	ids := s.filterZone(free, req.ZoneID)
	if len(ids) == 0 {
		WriteSuccess(w, map[string]any{"action": "full"})
		return
	}

	sess := s.sessions.Create(kiosk, ownerKey, ownerType, ids)
	WriteSuccess(w, map[string]any{
		"action":    "show_lockers",
		"sessionId": sess.ID,
		"lockerIds": ids,
		"expiresAt": sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

type selectRequest struct {
	KioskID   string `json:"kioskId"`
	SessionID string `json:"sessionId"`
	LockerID  int    `json:"lockerId"`
}

// handleSelect finishes a selection session: assign, open, confirm.
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req selectRequest
	if !decodeStrict(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.LockerID <= 0 {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "sessionId and lockerId are required", nil)
		return
	}
	kiosk := s.kioskOr(req.KioskID)

	if !s.allow(w, r, req.LockerID, "") {
		return
	}

	sess, err := s.sessions.Complete(kiosk, req.SessionID, req.LockerID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	ctx := r.Context()
	ok, err := s.lockers.AssignLocker(ctx, kiosk, req.LockerID, sess.OwnerType, sess.OwnerKey)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if !ok {
		WriteError(w, http.StatusConflict, "CONFLICT",
			"Locker was taken or the identity already holds one", nil)
		return
	}

	if err := s.hardware.OpenLocker(ctx, req.LockerID); err != nil {
		// Assignment rolls back into error state: never leave the locker
		// reserved with the door shut.
		_ = s.lockers.HandleHardwareError(ctx, kiosk, req.LockerID, err.Error())
		s.audit("kiosk", kiosk, req.LockerID, "select_open", nil, err)
		WriteDomainError(w, err)
		return
	}
	if err := s.lockers.ConfirmOwnership(ctx, kiosk, req.LockerID); err != nil {
		WriteDomainError(w, err)
		return
	}
	s.audit("kiosk", kiosk, req.LockerID, "select_open", map[string]any{
		"ownerType": string(sess.OwnerType),
	}, nil)
	WriteSuccess(w, map[string]any{
		"lockerId": req.LockerID,
		"status":   string(store.StatusOwned),
	})
}

type masterOpenRequest struct {
	KioskID  string `json:"kioskId"`
	LockerID int    `json:"lockerId"`
}

// handleMasterOpen is the staff override: open and release regardless of
// ownership. Control scope required.
func (s *Server) handleMasterOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req masterOpenRequest
	if !decodeStrict(w, r, &req) {
		return
	}
	if req.LockerID <= 0 {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "lockerId is required", nil)
		return
	}
	kiosk := s.kioskOr(req.KioskID)

	err := s.lockers.MasterOpen(r.Context(), kiosk, req.LockerID)
	s.audit(actorFrom(r), kiosk, req.LockerID, "master_open", nil, err)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, map[string]any{
		"lockerId": req.LockerID,
		"status":   string(store.StatusFree),
	})
}

type commandRequest struct {
	Type     string `json:"type"`
	LockerID int    `json:"lockerId"`
	ZoneID   string `json:"zoneId"`
	Burst    bool   `json:"burst"`
}

// handleCommands enqueues a hardware command. Control scope required.
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req commandRequest
	if !decodeStrict(w, r, &req) {
		return
	}
	typ := store.CommandType(req.Type)
	switch typ {
	case store.CommandOpen, store.CommandClose:
		if req.LockerID <= 0 {
			WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "lockerId is required", nil)
			return
		}
	case store.CommandReset, store.CommandBuzzer:
	default:
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown command type", nil)
		return
	}

	cmd, err := s.queue.Enqueue(r.Context(), typ, command.Payload{
		LockerID: req.LockerID,
		ZoneID:   req.ZoneID,
		Burst:    req.Burst,
	})
	s.audit(actorFrom(r), s.kiosk, req.LockerID, "command_enqueue", map[string]any{
		"type": req.Type,
	}, err)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, commandView(cmd))
}

// handleCommandByID serves GET (status + attempt trail) and DELETE
// (cancel) for one command.
func (s *Server) handleCommandByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/commands/")
	if id == "" || strings.Contains(id, "/") {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "Command not found", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		cmd, err := s.queue.Get(r.Context(), id)
		if err != nil {
			WriteDomainError(w, err)
			return
		}
		trail, err := s.queue.Audit(r.Context(), id)
		if err != nil {
			WriteDomainError(w, err)
			return
		}
		view := commandView(cmd)
		attempts := make([]map[string]any, 0, len(trail))
		for _, rec := range trail {
			attempts = append(attempts, map[string]any{
				"attempt":    rec.Attempt,
				"outcome":    rec.Outcome,
				"durationMs": rec.DurationMs,
				"at":         rec.At.UTC().Format(time.RFC3339),
			})
		}
		view["attempts"] = attempts
		WriteSuccess(w, view)
	case http.MethodDelete:
		if err := s.queue.Cancel(r.Context(), id); err != nil {
			WriteDomainError(w, err)
			return
		}
		WriteSuccess(w, map[string]any{"id": id, "status": string(store.CommandCancelled)})
	default:
		writeMethodNotAllowed(w)
	}
}

// handleEvents serves the SSE stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if err := s.events.Subscribe(r.Context(), w, r); err != nil {
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "event stream failed", nil)
	}
}

// handleHealth reports process and hardware health. No auth.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	hw := s.hardware.Health()
	status := "ok"
	if !hw.Available {
		status = "degraded"
	}
	storeStatus := "ok"
	free, err := s.lockers.ListFree(r.Context(), s.kiosk)
	if err != nil {
		status = "degraded"
		storeStatus = "error"
	}
	WriteSuccess(w, map[string]any{
		"status":        status,
		"kioskId":       s.kiosk,
		"uptimeSeconds": int(time.Since(s.startTime).Seconds()),
		"freeLockers":   len(free),
		"store":         storeStatus,
		"hardware":      hw,
	})
}

// allow runs the rate limiter and writes the 429 when denied.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, lockerID int, deviceID string) bool {
	d, err := s.limiter.Check(r.Context(), clientIP(r), lockerID, deviceID)
	if err != nil {
		WriteDomainError(w, err)
		return false
	}
	if d.Allowed {
		return true
	}
	w.Header().Set("Retry-After", retryAfterSeconds(d))
	code := "RATE_LIMITED"
	if d.Blocked {
		code = "BLOCKED"
	}
	WriteError(w, http.StatusTooManyRequests, code, "Too many requests", map[string]any{
		"scope": d.Scope,
	})
	return false
}

// writeScanError maps identity errors. A first short scan is not an error
// to the kiosk: it asks for the confirming second tap.
func (s *Server) writeScanError(w http.ResponseWriter, err error) {
	var scanErr *identity.ScanError
	if !errors.As(err, &scanErr) {
		WriteDomainError(w, err)
		return
	}
	if scanErr.Kind == identity.KindConfirmationRequired {
		WriteSuccess(w, map[string]any{
			"action":  "confirm",
			"reason":  scanErr.Kind,
			"details": scanErr.Detail,
		})
		return
	}
	WriteError(w, http.StatusBadRequest, scanErr.Kind, "Scan rejected", scanErr.Detail)
}

func (s *Server) filterZone(free []*store.Locker, zoneID string) []int {
	var allowed map[int]bool
	if zoneID != "" && s.plan != nil {
		allowed = make(map[int]bool)
		for _, id := range s.plan.Lockers(zoneID) {
			allowed[id] = true
		}
	}
	ids := make([]int, 0, len(free))
	for _, l := range free {
		if allowed != nil && !allowed[l.ID] {
			continue
		}
		ids = append(ids, l.ID)
	}
	return ids
}

func (s *Server) kioskOr(kioskID string) string {
	if kioskID != "" {
		return kioskID
	}
	return s.kiosk
}

func (s *Server) audit(actor, kiosk string, lockerID int, action string, params map[string]any, err error) {
	if s.auditor == nil {
		return
	}
	s.auditor.Log(actor, kiosk, lockerID, action, params, err)
}

// decodeStrict parses the body as strict JSON: unknown fields and trailing
// data are rejected.
func decodeStrict(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Malformed JSON or unknown fields", nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Trailing data after JSON object", nil)
		return false
	}
	return true
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func commandView(cmd *store.PendingCommand) map[string]any {
	view := map[string]any{
		"id":         cmd.ID,
		"kioskId":    cmd.KioskID,
		"type":       string(cmd.Type),
		"status":     string(cmd.Status),
		"retryCount": cmd.RetryCount,
		"createdAt":  cmd.CreatedAt.UTC().Format(time.RFC3339),
	}
	if cmd.LastError != "" {
		view["lastError"] = cmd.LastError
	}
	if cmd.CompletedAt != nil {
		view["completedAt"] = cmd.CompletedAt.UTC().Format(time.RFC3339)
	}
	if cmd.DurationMs != nil {
		view["durationMs"] = *cmd.DurationMs
	}
	return view
}

func actorFrom(r *http.Request) string {
	if claims := auth.ClaimsFromRequest(r); claims != nil {
		return claims.Subject
	}
	return "anonymous"
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retryAfterSeconds(d *ratelimit.Decision) string {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
