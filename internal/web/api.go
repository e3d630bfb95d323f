package web

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/sweeney/carefarm/internal/history"
	"github.com/sweeney/carefarm/internal/link"
	"github.com/sweeney/carefarm/internal/state"
)

const (
	defaultHistoryLimit = 60
	maxHistoryLimit     = 10080
)

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.store.Snapshot())
}

type controlRequest struct {
	Device string `json:"device"`
	Value  *int   `json:"value"`
}

// handleControl sends a single command to the microcontroller. Manual
// commands are only accepted in MANUAL mode.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decodeJSON(w, r, &req); err != nil {
		clientError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Value == nil {
		clientError(w, http.StatusBadRequest, "value is required")
		return
	}
	d, err := state.ParseDevice(req.Device)
	if err != nil {
		clientError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := d.Validate(*req.Value); err != nil {
		clientError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.requireManual(w) {
		return
	}

	if err := s.commander.SendCommand(d, *req.Value, state.ActorExternal); err != nil {
		if errors.Is(err, link.ErrLinkUnavailable) {
			clientError(w, http.StatusServiceUnavailable, "link unavailable")
			return
		}
		if errors.Is(err, state.ErrModeGated) {
			clientError(w, http.StatusConflict, "manual control requires MANUAL mode")
			return
		}
		s.serverError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.store.Snapshot())
}

// handleActuators applies a partial actuator patch and pushes the full
// frame. The patch is kept when the link is down and sent on reconnect.
func (s *Server) handleActuators(w http.ResponseWriter, r *http.Request) {
	var patch state.ActuatorPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		clientError(w, http.StatusBadRequest, err.Error())
		return
	}
	if patch.IsEmpty() {
		clientError(w, http.StatusBadRequest, "no actuator fields given")
		return
	}
	if !s.requireManual(w) {
		return
	}

	snap := s.store.ApplyUpdate(state.Update{Actuators: &patch}, state.ActorExternal)
	s.sync(r)
	s.writeJSON(w, r, http.StatusOK, snap)
}

func (s *Server) handleSetpoints(w http.ResponseWriter, r *http.Request) {
	var patch state.TargetPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		clientError(w, http.StatusBadRequest, err.Error())
		return
	}
	if patch.TargetTemp == nil && patch.TargetSoilMoisture == nil {
		clientError(w, http.StatusBadRequest, "no setpoint fields given")
		return
	}
	if patch.TargetSoilMoisture != nil && *patch.TargetSoilMoisture < 0 {
		clientError(w, http.StatusBadRequest, "target_soil_moisture must not be negative")
		return
	}

	s.writeJSON(w, r, http.StatusOK, s.store.ApplyUpdate(state.Update{Targets: &patch}, state.ActorExternal))
}

type modeRequest struct {
	Mode string `json:"mode"`
}

// handleMode switches the operating mode. Every mode change forces the
// safe actuator state, which is pushed to the microcontroller at once.
func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		clientError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := state.ParseMode(req.Mode)
	if err != nil {
		clientError(w, http.StatusBadRequest, err.Error())
		return
	}

	before := s.store.Snapshot()
	snap := s.store.ApplyUpdate(state.Update{Mode: &m}, state.ActorExternal)
	if before.Mode != snap.Mode {
		s.sync(r)
	}
	s.writeJSON(w, r, http.StatusOK, snap)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		clientError(w, http.StatusNotFound, "history disabled")
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxHistoryLimit {
			clientError(w, http.StatusBadRequest, "limit must be 1-10080")
			return
		}
		limit = n
	}

	recs, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if recs == nil {
		recs = []history.Record{}
	}
	s.writeJSON(w, r, http.StatusOK, recs)
}

func (s *Server) requireManual(w http.ResponseWriter) bool {
	if s.store.Snapshot().Mode != state.ModeManual {
		clientError(w, http.StatusConflict, "manual control requires MANUAL mode")
		return false
	}
	return true
}

func (s *Server) sync(r *http.Request) {
	if err := s.commander.Sync(); err != nil {
		s.logger.Warn("actuator push deferred", "error", err, "err_class", "transport",
			"request_id", requestIDFrom(r.Context()))
	}
}
