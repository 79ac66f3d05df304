package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"engaged/internal/engage"
	logx "engaged/pkg/logx"
)

const maxBody = 1 << 20

type handlers struct {
	deps Deps
	log  logx.Logger
}

// actor names who made a change in the audit log.
func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get("X-Actor")); a != "" {
		return a
	}
	return "api"
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Status())
}

func (h *handlers) listMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := engage.ListFilter{Kind: q.Get("kind")}
	if v := q.Get("live"); v != "" {
		live, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "live must be a boolean")
			return
		}
		f.LiveOnly = live
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	msgs, err := h.deps.Engage.List(r.Context(), f)
	if err != nil {
		h.fail(w, err)
		return
	}
	if msgs == nil {
		msgs = []engage.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *handlers) createMessage(w http.ResponseWriter, r *http.Request) {
	var in engage.Message
	if !decode(w, r, &in) {
		return
	}
	msg, err := h.deps.Engage.Add(r.Context(), actor(r), in)
	h.writeMessage(w, http.StatusCreated, msg, err)
}

func (h *handlers) getMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.deps.Engage.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *handlers) editMessage(w http.ResponseWriter, r *http.Request) {
	var p engage.Patch
	if !decode(w, r, &p) {
		return
	}
	msg, err := h.deps.Engage.Edit(r.Context(), actor(r), chi.URLParam(r, "id"), p)
	h.writeMessage(w, http.StatusOK, msg, err)
}

func (h *handlers) removeMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Engage.Remove(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) setLive(w http.ResponseWriter, r *http.Request) {
	msg, err := h.deps.Engage.SetLive(r.Context(), actor(r), chi.URLParam(r, "id"))
	h.writeMessage(w, http.StatusOK, msg, err)
}

func (h *handlers) setPause(w http.ResponseWriter, r *http.Request) {
	msg, err := h.deps.Engage.SetPause(r.Context(), actor(r), chi.URLParam(r, "id"))
	h.writeMessage(w, http.StatusOK, msg, err)
}

func (h *handlers) sendNow(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Engage.SendNow(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) listSchedules(w http.ResponseWriter, _ *http.Request) {
	entries := h.deps.Engage.Scheduled()
	out := make([]scheduleView, 0, len(entries))
	for _, e := range entries {
		out = append(out, scheduleView{ID: e.ID, Name: e.Name, Rule: e.Rule, Since: e.Since})
	}
	if h.deps.Schedules != nil {
		snap := h.deps.Schedules.Snapshot()
		byName := make(map[string]int, len(out))
		for i := range out {
			byName[out[i].Name] = i
		}
		for _, it := range snap.Schedules {
			if i, ok := byName[it.Name]; ok {
				out[i].Next = it.Next
				out[i].Prev = it.Prev
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) previewRule(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Count > 50 {
		req.Count = 50
	}
	writeJSON(w, http.StatusOK, h.deps.Engage.Preview(req.ScheduleDate, req.Count))
}

// writeMessage reports a stored message even when its schedule could not be
// registered; the registration error rides along in schedule_error.
func (h *handlers) writeMessage(w http.ResponseWriter, code int, msg *engage.Message, err error) {
	if err != nil && (msg == nil || errors.Is(err, engage.ErrInvalidMessage) || errors.Is(err, engage.ErrMessageNotFound)) {
		h.fail(w, err)
		return
	}
	resp := messageResponse{Message: msg}
	if err != nil {
		resp.ScheduleError = err.Error()
	}
	writeJSON(w, code, resp)
}

func (h *handlers) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engage.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engage.ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Warn("api request failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
