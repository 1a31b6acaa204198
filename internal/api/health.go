package api

import (
	"net/http"
)

// healthResponse reports liveness together with the engine's current load.
type healthResponse struct {
	Status         string `json:"status"`
	Delivery       string `json:"delivery"`
	TasksInFlight  int64  `json:"tasks_in_flight"`
	JournalPending int    `json:"journal_pending"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		Delivery:       s.container.Delivery(),
		TasksInFlight:  s.container.InFlight(),
		JournalPending: s.container.JournalPending(),
	})
}
