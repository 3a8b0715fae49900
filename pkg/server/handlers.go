package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ferrocompanion/ferrocompanion/pkg/log"
	"github.com/ferrocompanion/ferrocompanion/pkg/types"
)

// handleStatus returns the current arbitration state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.coord.Status())
}

// handleMode selects a companion mode.
func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	mode, err := types.ParseCompanionMode(req.Mode)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.coord.SetMode(ctx, mode); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to set mode", slog.Any("error", err))
		writeJSONError(w, "failed to set mode", http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.coord.Status())
}

// handleAvoidSelling toggles the avoid-selling switch.
func (s *Server) handleAvoidSelling(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.coord.SwitchAvoidSellingUpdate(ctx, req.Enabled); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to switch avoid selling", slog.Any("error", err))
		writeJSONError(w, "failed to switch avoid selling", http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.coord.Status())
}

// handleUpdate runs a full update cycle immediately.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.coord.UpdateQuarterly(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "manual update failed", slog.Any("error", err))
		writeJSONError(w, "update failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.coord.Status())
}

// handleListInstalls lists all installations with stored state.
func (s *Server) handleListInstalls(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ids, err := s.storage.ListInstalls(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list installs", slog.Any("error", err))
		writeJSONError(w, "failed to list installs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, struct {
		Installs []string `json:"installs"`
	}{Installs: ids})
}
