package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/sneh-joshi/vsmbus/internal/algedonic"
	"github.com/sneh-joshi/vsmbus/internal/audit"
	"github.com/sneh-joshi/vsmbus/internal/bus"
	"github.com/sneh-joshi/vsmbus/internal/dlq"
	"github.com/sneh-joshi/vsmbus/internal/endpoint"
	"github.com/sneh-joshi/vsmbus/internal/node"
	"github.com/sneh-joshi/vsmbus/internal/ratelimit"
	"github.com/sneh-joshi/vsmbus/internal/router"
	"github.com/sneh-joshi/vsmbus/internal/types"
	"github.com/sneh-joshi/vsmbus/internal/validate"
)

const version = "1.0.0"

// maxListLimit caps ?limit= on list routes.
const maxListLimit = 1000

// Handler groups all HTTP request handlers around a Bus.
type Handler struct {
	bus      *bus.Bus
	audit    *audit.Log // nil when the audit trail is disabled
	dlq      *dlq.Queue // nil when the audit trail is disabled
	replayer dlq.Deliverer
	nodeID   string
	validate *validator.Validate
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type registerReq struct {
	Name         string   `json:"name" validate:"required,max=255"`
	Class        string   `json:"class" validate:"omitempty,oneof=operational coordination control intelligence policy team"`
	Parent       string   `json:"parent" validate:"omitempty,max=255"`
	Capabilities []string `json:"capabilities" validate:"omitempty,dive,oneof=audit algedonic"`
	WebhookURL   string   `json:"webhook_url" validate:"omitempty,url,startswith=http"`
	Secret       string   `json:"webhook_secret" validate:"omitempty,max=256"`
}

type messageReq struct {
	ID       string            `json:"id" validate:"omitempty,max=128"`
	From     string            `json:"from" validate:"required"`
	To       string            `json:"to" validate:"required"`
	Channel  string            `json:"channel" validate:"required"`
	Type     string            `json:"type" validate:"required,max=128"`
	Payload  map[string]any    `json:"payload"`
	Metadata map[string]string `json:"metadata" validate:"max=32,dive,keys,required,max=64,endkeys,max=1024"`
}

type signalReq struct {
	Kind        string             `json:"kind" validate:"omitempty,oneof=pain pleasure"`
	Severity    string             `json:"severity" validate:"required"`
	Source      string             `json:"source" validate:"required"`
	Description string             `json:"description" validate:"required,max=4096"`
	Metrics     map[string]float64 `json:"metrics"`
	Context     map[string]string  `json:"context"`
}

type ackReq struct {
	AckType             string     `json:"ack_type" validate:"required,oneof=received investigating responding resolved escalated false_alarm"`
	Acknowledger        string     `json:"acknowledger" validate:"required"`
	EstimatedResolution *time.Time `json:"estimated_resolution"`
}

type ackResp struct {
	SignalID string                 `json:"signal_id"`
	Applied  bool                   `json:"applied"`
	Previous types.SignalState      `json:"previous_state,omitempty"`
	State    types.SignalState      `json:"state,omitempty"`
	Reason   algedonic.AckErrorKind `json:"reason,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

type rateReq struct {
	Subsystem  string `json:"subsystem" validate:"required"`
	Identifier string `json:"identifier" validate:"required"`
}

type rateResp struct {
	Allowed      bool  `json:"allowed"`
	Remaining    int   `json:"remaining"`
	RetryAfterMs int64 `json:"retry_after_ms,omitempty"`
}

type replayResp struct {
	Replayed  int    `json:"replayed"`
	Remaining int    `json:"remaining"`
	Error     string `json:"error,omitempty"`
}

type healthResp struct {
	Status    string `json:"status"`
	NodeID    string `json:"node_id"`
	Endpoints int    `json:"endpoints"`
	Signals   int    `json:"live_signals"`
	Storms    int    `json:"active_storms"`
	Uptime    string `json:"uptime"`
	UptimeMs  int64  `json:"uptime_ms"`
	Version   string `json:"version"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

var startTime = time.Now()

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(startTime)
	writeJSON(w, http.StatusOK, healthResp{
		Status:    "ok",
		NodeID:    h.nodeID,
		Endpoints: len(h.bus.Registry().List()),
		Signals:   len(h.bus.Signals("")),
		Storms:    len(h.bus.Storms()),
		Uptime:    elapsed.Round(time.Second).String(),
		UptimeMs:  elapsed.Milliseconds(),
		Version:   version,
	})
}

// ─── Endpoints ────────────────────────────────────────────────────────────────

func (h *Handler) listEndpoints(w http.ResponseWriter, r *http.Request) {
	eps := h.bus.Registry().List()
	for i := range eps {
		eps[i].Secret = ""
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": eps})
}

func (h *Handler) registerEndpoint(w http.ResponseWriter, r *http.Request) {
	var req registerReq
	if !h.decodeValid(w, r, &req) {
		return
	}
	ep, err := h.bus.Registry().Register(endpoint.Endpoint{
		Name:         types.Endpoint(req.Name),
		Class:        endpoint.Class(req.Class),
		Parent:       types.Endpoint(req.Parent),
		Capabilities: req.Capabilities,
		WebhookURL:   req.WebhookURL,
		Secret:       req.Secret,
	})
	if err != nil {
		switch {
		case errors.Is(err, endpoint.ErrAlreadyExists):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, endpoint.ErrNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, endpoint.ErrInvalidName):
			writeError(w, http.StatusBadRequest, err)
		default:
			writeError(w, http.StatusUnprocessableEntity, err)
		}
		return
	}
	ep.Secret = ""
	writeJSON(w, http.StatusCreated, ep)
}

func (h *Handler) deregisterEndpoint(w http.ResponseWriter, r *http.Request) {
	err := h.bus.Registry().Deregister(types.Endpoint(r.PathValue("name")))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, endpoint.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, endpoint.ErrBuiltin):
		writeError(w, http.StatusForbidden, err)
	default:
		writeError(w, http.StatusConflict, err)
	}
}

// ─── Messages ─────────────────────────────────────────────────────────────────

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	msg, ok := h.decodeMessage(w, r)
	if !ok {
		return
	}
	res, err := h.bus.Send(r.Context(), msg)
	if err != nil {
		writeBusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) routeMessage(w http.ResponseWriter, r *http.Request) {
	msg, ok := h.decodeMessage(w, r)
	if !ok {
		return
	}
	dests, err := h.bus.Route(msg)
	if err != nil {
		writeBusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_id": msg.ID, "destinations": dests})
}

func (h *Handler) decodeMessage(w http.ResponseWriter, r *http.Request) (types.Message, bool) {
	var req messageReq
	if !h.decodeValid(w, r, &req) {
		return types.Message{}, false
	}
	id := req.ID
	if id == "" {
		var err error
		if id, err = node.NewID(); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return types.Message{}, false
		}
	}
	return types.NewMessage(id,
		types.Endpoint(req.From),
		types.Endpoint(req.To),
		types.Channel(req.Channel),
		req.Type,
		req.Payload,
		req.Metadata,
	), true
}

// ─── Signals ──────────────────────────────────────────────────────────────────

func (h *Handler) emitSignal(w http.ResponseWriter, r *http.Request) {
	var req signalReq
	if !h.decodeValid(w, r, &req) {
		return
	}
	sev, err := types.ParseSeverity(req.Severity)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	kind := types.KindPain
	if req.Kind != "" {
		kind = types.SignalKind(req.Kind)
	}
	// A client that hangs up must not cut the fan-out short.
	res, err := h.bus.Emit(context.WithoutCancel(r.Context()), types.Signal{
		Kind:        kind,
		Severity:    sev,
		Source:      types.Endpoint(req.Source),
		Description: req.Description,
		Metrics:     req.Metrics,
		Context:     req.Context,
	})
	if err != nil {
		writeBusError(w, err)
		return
	}
	code := http.StatusCreated
	if res.Suppressed {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}

func (h *Handler) listSignals(w http.ResponseWriter, r *http.Request) {
	state := types.SignalState(r.URL.Query().Get("state"))
	switch state {
	case "", types.StateCreated, types.StateRouted, types.StateAcknowledged,
		types.StateEscalated, types.StateResolved, types.StateFalseAlarm:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown state %q", state)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"signals": h.bus.Signals(state)})
}

func (h *Handler) getSignal(w http.ResponseWriter, r *http.Request) {
	sig, ok := h.bus.Signal(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "signal not found"})
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

// ackSignal reports no-op acknowledgments (unknown, already closed or
// out-of-order) as 200 with applied=false. The caller's intent is already
// satisfied or moot, so retrying would not help.
func (h *Handler) ackSignal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req ackReq
	if !h.decodeValid(w, r, &req) {
		return
	}
	res, err := h.bus.Acknowledge(id, types.Acknowledgment{
		Acknowledger:        types.Endpoint(req.Acknowledger),
		Type:                types.AckType(req.AckType),
		EstimatedResolution: req.EstimatedResolution,
	})
	out := ackResp{SignalID: id, Applied: res.Applied, Previous: res.Previous, State: res.State}
	if err != nil {
		var ae *algedonic.AckError
		if !errors.As(err, &ae) {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out.Applied = false
		out.Reason = ae.Kind
		out.State = ae.State
		out.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) listStorms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"storms": h.bus.Storms()})
}

// ─── Rate limit ───────────────────────────────────────────────────────────────

func (h *Handler) checkRate(w http.ResponseWriter, r *http.Request) {
	var req rateReq
	if !h.decodeValid(w, r, &req) {
		return
	}
	left, err := h.bus.CheckRate(types.Endpoint(req.Subsystem), req.Identifier)
	if err != nil {
		var re *ratelimit.Error
		if !errors.As(err, &re) {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		setRetryAfter(w, re.RetryAfter)
		writeJSON(w, http.StatusTooManyRequests, rateResp{RetryAfterMs: re.RetryAfter.Milliseconds()})
		return
	}
	writeJSON(w, http.StatusOK, rateResp{Allowed: true, Remaining: left})
}

// ─── Audit ────────────────────────────────────────────────────────────────────

func (h *Handler) auditEvents(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "audit trail disabled"})
		return
	}
	limit, ok := queryLimit(w, r, 100)
	if !ok {
		return
	}
	recs, err := h.audit.Events(limit, r.URL.Query().Get("prefix"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": recs})
}

func (h *Handler) auditSignal(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "audit trail disabled"})
		return
	}
	recs, err := h.audit.SignalHistory(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(recs) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no history for signal"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": recs})
}

// ─── DLQ ──────────────────────────────────────────────────────────────────────

func (h *Handler) dlqSummary(w http.ResponseWriter, r *http.Request) {
	if h.dlq == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "dead-letter store disabled"})
		return
	}
	counts, err := h.dlq.Endpoints()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": counts})
}

func (h *Handler) getDLQ(w http.ResponseWriter, r *http.Request) {
	if h.dlq == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "dead-letter store disabled"})
		return
	}
	limit, ok := queryLimit(w, r, 100)
	if !ok {
		return
	}
	recs, err := h.dlq.Peek(h.endpointParam(r), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": recs})
}

func (h *Handler) replayDLQ(w http.ResponseWriter, r *http.Request) {
	if h.dlq == nil || h.replayer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "dead-letter store disabled"})
		return
	}
	limit, ok := queryLimit(w, r, 0)
	if !ok {
		return
	}
	ep := h.endpointParam(r)
	n, err := h.dlq.Replay(r.Context(), ep, limit, h.replayer)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, replayResp{Replayed: n, Remaining: h.dlq.Len(ep), Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, replayResp{Replayed: n, Remaining: h.dlq.Len(ep)})
}

func (h *Handler) endpointParam(r *http.Request) types.Endpoint {
	ep := types.Endpoint(r.PathValue("endpoint"))
	if c, ok := h.bus.Registry().Canonical(ep); ok {
		return c
	}
	return ep
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// writeBusError maps a Send/Route/Emit failure onto a status code.
func writeBusError(w http.ResponseWriter, err error) {
	var (
		ve  *validate.Error
		re  *router.Error
		rl  *ratelimit.Error
		arl *algedonic.RateLimitError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(), "kind": string(ve.Kind), "field": ve.Field,
		})
	case errors.As(err, &re):
		code := http.StatusUnprocessableEntity
		switch re.Kind {
		case router.UnauthorizedChannel:
			code = http.StatusForbidden
		case router.NoDestination:
			code = http.StatusNotFound
		}
		writeJSON(w, code, map[string]string{"error": err.Error(), "kind": string(re.Kind)})
	case errors.As(err, &rl):
		setRetryAfter(w, rl.RetryAfter)
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": err.Error(), "retry_after_ms": rl.RetryAfter.Milliseconds(),
		})
	case errors.As(err, &arl):
		setRetryAfter(w, arl.RetryAfter)
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": err.Error(), "retry_after_ms": arl.RetryAfter.Milliseconds(),
		})
	case errors.Is(err, algedonic.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err)
	case errors.Is(err, algedonic.ErrInvalidSignal):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// setRetryAfter writes Retry-After in whole seconds, rounded up.
func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

func queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
		return 0, false
	}
	return min(n, maxListLimit), true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

// decodeValid decodes the body into v and runs its validate tags.
func (h *Handler) decodeValid(w http.ResponseWriter, r *http.Request, v any) bool {
	if !decodeJSON(w, r, v) {
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
			}
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request: " + strings.Join(fields, ", "),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

// newValidator reports field errors under their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
