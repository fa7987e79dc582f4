package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter configures the HTTP routes for the transcoding service.
func NewRouter(handler *Handler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/jobs", handler.CreateJob).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs", handler.ListJobs).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs/{id}", handler.GetJob).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs/{id}/cancel", handler.CancelJob).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs/{id}/retry", handler.RetryJob).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs/{id}/events", handler.JobEvents).Methods(http.MethodGet)
	r.HandleFunc("/v1/stats", handler.Stats).Methods(http.MethodGet)
	r.HandleFunc("/v1/healthz", handler.Health).Methods(http.MethodGet)
	return r
}
