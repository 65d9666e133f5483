package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/zhaori96/krot/v2"
	"github.com/zhaori96/krot/v2/internal/logger"
)

type healthResponse struct {
	Status     string `json:"status"`
	SigningKey string `json:"signing_kid"`
	Standby    string `json:"standby_kid,omitempty"`
	Keys       int    `json:"keys"`
	Scheduler  string `json:"scheduler"`

	PollInterval string `json:"poll_interval"`
}

type errorResponse struct {
	Message string `json:"message"`
}

func (s *Server) keySet(w http.ResponseWriter, r *http.Request) {
	data, err := s.rotator.KeySetJSON()
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, r, http.StatusOK, data)
}

func (s *Server) rotate(w http.ResponseWriter, r *http.Request) {
	if err := s.rotator.Rotate(); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	logger.From(r.Context()).Info("forced rotation",
		logger.KeyID(s.rotator.SigningKey().ID),
	)

	s.keySet(w, r)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{
		Status:     "ok",
		SigningKey: s.rotator.SigningKey().ID,
		Keys:       len(s.rotator.Keys()),
		Scheduler:  "stopped",

		PollInterval: s.rotator.Scheduler().Interval().String(),
	}

	if standby := s.rotator.Standby(); standby != nil {
		response.Standby = standby.ID
	}

	if s.rotator.Status() == krot.RotatorStatusStarted {
		response.Scheduler = "started"
	}

	data, err := json.Marshal(response)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, r, http.StatusOK, data)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	logger.From(r.Context()).Error("request failed", logger.Err(err))

	var body any = errorResponse{Message: err.Error()}

	var krotErr krot.KrotError
	if errors.As(err, &krotErr) {
		body = krotErr
	}

	data, marshalErr := json.Marshal(body)
	if marshalErr != nil {
		s.logger.Error("failed to encode error response", zap.Error(marshalErr))
		data = []byte(`{"message":"internal error"}`)
	}

	writeJSON(w, r, status, data)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data []byte) {
	setNoStore(w)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(data)
}

func setNoStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}
