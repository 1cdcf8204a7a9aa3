// Package httpapi is the director/judge-facing REST surface: the CLI
// serve subcommand mounts this router, the websocket upgrade lives
// alongside it, and every command mutates the same catalog.Store the
// realtime broker observes through C4.
//
// Grounded on the pack's webhook-delivery handler layer (3i7net): one
// Handler struct holding its collaborators, an ErrorResponse envelope,
// and a writeJSON/writeError pair shared by every route.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/IvanNece/StreetControl/internal/catalog"
	"github.com/IvanNece/StreetControl/internal/ordering"
	"github.com/IvanNece/StreetControl/internal/ranking"
	"github.com/IvanNece/StreetControl/internal/realtime"
	"github.com/IvanNece/StreetControl/internal/statemachine"
	"github.com/IvanNece/StreetControl/internal/streeterr"
	"github.com/IvanNece/StreetControl/internal/tally"
)

type Handler struct {
	store    catalog.Store
	machine  *statemachine.Machine
	ordering *ordering.Engine
	ranking  *ranking.Engine
	tally    *tally.Tally
	broker   *realtime.Broker
	tokens   *realtime.TokenIssuer
	log      *slog.Logger
}

func New(store catalog.Store, machine *statemachine.Machine, orderingEngine *ordering.Engine, rankingEngine *ranking.Engine, tallyStore *tally.Tally, broker *realtime.Broker, tokens *realtime.TokenIssuer, log *slog.Logger) *Handler {
	return &Handler{
		store:    store,
		machine:  machine,
		ordering: orderingEngine,
		ranking:  rankingEngine,
		tally:    tallyStore,
		broker:   broker,
		tokens:   tokens,
		log:      log,
	}
}

// Router assembles the full REST + websocket surface.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)

	r.Route("/meets/{meetCode}", func(r chi.Router) {
		r.Get("/state", h.getState)
		r.Post("/initialize", h.initialize)
		r.Post("/next", h.next)
		r.Post("/reset", h.reset)
		r.Post("/timer", h.timer)
		r.Post("/attempts/{attemptID}/votes", h.registerVote)
		r.Post("/declarations", h.declareWeight)
		r.Get("/rankings", h.getRankings)
		r.Post("/tokens", h.issueToken)
		r.Get("/ws", h.serveWS)
	})

	return r
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch streeterr.KindOf(err) {
	case streeterr.BadInput:
		status = http.StatusBadRequest
	case streeterr.NotFound:
		status = http.StatusNotFound
	case streeterr.StateConflict:
		status = http.StatusConflict
	case streeterr.NotReady:
		status = http.StatusPreconditionFailed
	case streeterr.Transient:
		status = http.StatusServiceUnavailable
	case streeterr.AlreadySynced:
		status = http.StatusOK
	}
	writeJSON(w, status, ErrorResponse{Error: string(streeterr.KindOf(err)), Message: err.Error()})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) getState(w http.ResponseWriter, r *http.Request) {
	state, cs, err := h.machine.State()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": state, "current": cs})
}

type initializeRequest struct {
	FlightID string `json:"flight_id"`
	LiftCode string `json:"lift_code"`
}

func (h *Handler) initialize(w http.ResponseWriter, r *http.Request) {
	meetCode := chi.URLParam(r, "meetCode")
	if _, ok := h.requireRole(w, r, meetCode, realtime.RoleDirector); !ok {
		return
	}
	var req initializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, streeterr.Wrap(streeterr.BadInput, err, "decode initialize request"))
		return
	}
	if err := h.machine.Initialize(meetCode, req.FlightID, req.LiftCode); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) next(w http.ResponseWriter, r *http.Request) {
	meetCode := chi.URLParam(r, "meetCode")
	if _, ok := h.requireRole(w, r, meetCode, realtime.RoleDirector); !ok {
		return
	}
	if err := h.machine.Next(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	meetCode := chi.URLParam(r, "meetCode")
	if _, ok := h.requireRole(w, r, meetCode, realtime.RoleDirector); !ok {
		return
	}
	if err := h.machine.Reset(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type timerRequest struct {
	Action    string `json:"action"`
	DurationS int    `json:"duration_s,omitempty"`
}

// timer is the director.timer command: start arms a countdown of
// DurationS seconds for the live attempt, stop cancels it early or
// acknowledges it ran out.
func (h *Handler) timer(w http.ResponseWriter, r *http.Request) {
	meetCode := chi.URLParam(r, "meetCode")
	if _, ok := h.requireRole(w, r, meetCode, realtime.RoleDirector); !ok {
		return
	}
	var req timerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, streeterr.Wrap(streeterr.BadInput, err, "decode timer request"))
		return
	}
	switch req.Action {
	case "start":
		if err := h.machine.StartTimer(req.DurationS); err != nil {
			writeError(w, err)
			return
		}
	case "stop":
		if err := h.machine.StopTimer(); err != nil {
			writeError(w, err)
			return
		}
	default:
		writeError(w, streeterr.Newf(streeterr.BadInput, "unknown timer action %q", req.Action))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type declareWeightRequest struct {
	RegID     string  `json:"reg_id"`
	LiftCode  string  `json:"lift_code"`
	AttemptNo int     `json:"attempt_no"`
	WeightKg  float64 `json:"weight_kg"`
}

func (h *Handler) declareWeight(w http.ResponseWriter, r *http.Request) {
	meetCode := chi.URLParam(r, "meetCode")
	if _, ok := h.requireRole(w, r, meetCode, realtime.RoleDirector); !ok {
		return
	}
	var req declareWeightRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, streeterr.Wrap(streeterr.BadInput, err, "decode declaration request"))
		return
	}
	if err := h.machine.DeclareWeight(req.RegID, req.LiftCode, req.AttemptNo, req.WeightKg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type voteRequest struct {
	Role tally.Role `json:"role"`
	Vote tally.Vote `json:"vote"`
}

// registerVote requires a JUDGE-role bearer token scoped to this meet
// and matching judge position.
func (h *Handler) registerVote(w http.ResponseWriter, r *http.Request) {
	meetCode := chi.URLParam(r, "meetCode")
	attemptID := chi.URLParam(r, "attemptID")

	judgePos, ok := h.requireRole(w, r, meetCode, realtime.RoleJudge)
	if !ok {
		return
	}

	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, streeterr.Wrap(streeterr.BadInput, err, "decode vote request"))
		return
	}

	result, err := h.tally.RegisterVote(attemptID, tally.Role(judgePos), req.Vote)
	if err != nil {
		writeError(w, err)
		return
	}
	h.broker.TallyUpdate(meetCode, attemptID, len(result.Snapshot))
	if result.Complete {
		if err := h.machine.FinalizeFromTally(attemptID, result.Outcome, result.Snapshot); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) getRankings(w http.ResponseWriter, r *http.Request) {
	meetCode := chi.URLParam(r, "meetCode")
	meet, err := h.store.GetMeet(meetCode)
	if err != nil {
		writeError(w, err)
		return
	}
	meetType, err := h.store.GetMeetType(meet.MeetType)
	if err != nil {
		writeError(w, err)
		return
	}
	category, err := h.ranking.CategoryRankings(meetCode, meetType)
	if err != nil {
		writeError(w, err)
		return
	}
	absolute, err := h.ranking.AbsoluteRankings(meetCode, meetType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"category": category, "absolute": absolute})
}

type issueTokenRequest struct {
	Role     realtime.Role `json:"role"`
	JudgePos string        `json:"judge_pos,omitempty"`
}

// issueToken mints the bearer token every other route authenticates
// against, so it cannot itself require a director token — that would
// leave no way to bootstrap the first one. It is unauthenticated by
// necessity; deployments that need to restrict who can mint tokens
// must do so in front of this route (reverse proxy, mTLS, etc.), not
// inside the handler.
func (h *Handler) issueToken(w http.ResponseWriter, r *http.Request) {
	meetCode := chi.URLParam(r, "meetCode")
	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, streeterr.Wrap(streeterr.BadInput, err, "decode token request"))
		return
	}
	tok, err := h.tokens.Issue(meetCode, req.Role, req.JudgePos)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": tok})
}

func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	meetCode := chi.URLParam(r, "meetCode")
	realtime.Serve(h.broker, h.tokens, meetCode, w, r)
}

func (h *Handler) authenticate(r *http.Request) (realtime.Role, string, string, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return "", "", "", streeterr.New(streeterr.BadInput, "missing bearer token")
	}
	return h.tokens.Verify(header[len(prefix):])
}

// requireRole authenticates r and checks that its token grants want's
// authority for meetCode, writing the error response and returning
// ok=false otherwise. judgePos is only meaningful when want is
// RoleJudge.
func (h *Handler) requireRole(w http.ResponseWriter, r *http.Request, meetCode string, want realtime.Role) (judgePos string, ok bool) {
	role, tokenMeet, judgePos, err := h.authenticate(r)
	if err != nil {
		writeError(w, err)
		return "", false
	}
	if role != want || tokenMeet != meetCode {
		writeError(w, streeterr.Newf(streeterr.BadInput, "token does not grant %s authority for this meet", want))
		return "", false
	}
	return judgePos, true
}
