package handler

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/card-ledger/internal/middleware"
)

// NewRouter wires the public and protected routes
func NewRouter(h *Handler, parser middleware.TokenParser, log *logrus.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestID(log))

	// Public routes
	r.HandleFunc("/auth/register", h.Register).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", h.Login).Methods(http.MethodPost)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		h.respond(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	// Protected routes
	api := r.PathPrefix("/").Subrouter()
	api.Use(middleware.AuthMiddleware(parser, log))
	api.HandleFunc("/admin/users", h.CreateUser).Methods(http.MethodPost)
	api.HandleFunc("/cards", h.CreateCard).Methods(http.MethodPost)
	api.HandleFunc("/cards", h.ListCards).Methods(http.MethodGet)
	api.HandleFunc("/cards/my", h.ListOwnCards).Methods(http.MethodGet)
	api.HandleFunc("/cards/{id:[0-9]+}", h.GetCard).Methods(http.MethodGet)
	api.HandleFunc("/cards/{id:[0-9]+}", h.DeleteCard).Methods(http.MethodDelete)
	api.HandleFunc("/cards/{id:[0-9]+}/block", h.BlockCard).Methods(http.MethodPatch)
	api.HandleFunc("/cards/{id:[0-9]+}/activate", h.ActivateCard).Methods(http.MethodPatch)
	api.HandleFunc("/cards/{id:[0-9]+}/transactions", h.ListCardTransactions).Methods(http.MethodGet)
	api.HandleFunc("/transfers", h.Transfer).Methods(http.MethodPost)

	return r
}
