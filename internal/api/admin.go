package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tandaumarket/marketbot/internal/models"
)

// takeoverRequest is the body of the takeover start/stop endpoints.
type takeoverRequest struct {
	AdminID string `json:"admin_id"`
}

// botStatusRequest is the body of the bot-status switch endpoint.
type botStatusRequest struct {
	Status models.BotStatus `json:"status"`
}

func (s *Server) getBotStatusHandler(w http.ResponseWriter, r *http.Request) {
	status, err := s.store.GetBotStatus()
	if err != nil {
		slog.Error("Server failed to read bot status", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to read bot status"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": string(status)}))
}

func (s *Server) setBotStatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req botStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid JSON format"))
		return
	}
	if req.Status != models.BotStatusRunning && req.Status != models.BotStatusStopped {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("status must be running or stopped"))
		return
	}
	if err := s.store.SetBotStatus(req.Status); err != nil {
		slog.Error("Server failed to set bot status", "error", err, "status", req.Status)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to set bot status"))
		return
	}
	slog.Info("Server bot status changed", "status", req.Status)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("bot status updated", nil))
}

func (s *Server) startTakeoverHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	userID := chi.URLParam(r, "userID")
	var req takeoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid JSON format"))
		return
	}
	if req.AdminID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("admin_id is required"))
		return
	}
	if err := s.takeover.Start(r.Context(), userID, req.AdminID); err != nil {
		slog.Error("Server failed to start takeover", "error", err, "user_id", userID, "admin_id", req.AdminID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to start takeover"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("takeover started", nil))
}

func (s *Server) stopTakeoverHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	userID := chi.URLParam(r, "userID")
	var req takeoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid JSON format"))
		return
	}
	if err := s.takeover.Stop(r.Context(), userID, req.AdminID); err != nil {
		if errors.Is(err, models.ErrTakeoverNotActive) {
			writeJSONResponse(w, http.StatusConflict, models.Error("no active takeover for user"))
			return
		}
		slog.Error("Server failed to stop takeover", "error", err, "user_id", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to stop takeover"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("takeover stopped", nil))
}
