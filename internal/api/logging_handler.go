package api

import (
	"encoding/json"
	"net/http"

	"github.com/busybox42/elemta-lmtp/internal/logging"
)

// LogLevelRequest represents a log level change request
type LogLevelRequest struct {
	Level string `json:"level"`
}

// LogLevelResponse represents a log level response
type LogLevelResponse struct {
	CurrentLevel string `json:"current_level"`
	Message      string `json:"message,omitempty"`
}

func (s *Server) handleGetLogLevel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LogLevelResponse{
		CurrentLevel: logging.LevelToString(s.levels.GetLevel()),
	})
}

// handleSetLogLevel changes the level of every logger built on the
// server's level manager.
func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var req LogLevelRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	level, err := logging.StringToLevel(req.Level)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid log level. Valid levels: DEBUG, INFO, WARN, ERROR")
		return
	}

	previous := s.levels.GetLevel()
	s.levels.SetLevel(level)
	s.logger.Info("Log level changed",
		"from", logging.LevelToString(previous),
		"to", logging.LevelToString(level),
	)

	writeJSON(w, http.StatusOK, LogLevelResponse{
		CurrentLevel: logging.LevelToString(level),
		Message:      "Log level updated successfully",
	})
}
