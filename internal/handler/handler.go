package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/card-ledger/internal/apperr"
	"github.com/Dan9191/card-ledger/internal/middleware"
	"github.com/Dan9191/card-ledger/internal/models"
	"github.com/Dan9191/card-ledger/internal/service"
)

type Handler struct {
	svc      *service.Service
	log      *logrus.Logger
	validate *validator.Validate
}

func NewHandler(svc *service.Service, log *logrus.Logger) *Handler {
	return &Handler{svc: svc, log: log, validate: validator.New(validator.WithRequiredStructEnabled())}
}

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=50"`
	Email    string `json:"email" validate:"required,email,max=100"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

type createUserRequest struct {
	registerRequest
	Role models.Role `json:"role" validate:"omitempty,oneof=USER ADMIN"`
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type createCardRequest struct {
	OwnerID        int64            `json:"owner_id" validate:"required,gt=0"`
	ExpiryDate     string           `json:"expiry_date" validate:"omitempty,datetime=2006-01-02"`
	InitialBalance *decimal.Decimal `json:"initial_balance"`
}

type transferRequest struct {
	FromCardID int64           `json:"from_card_id" validate:"required,gt=0"`
	ToCardID   int64           `json:"to_card_id" validate:"required,gt=0"`
	Amount     decimal.Decimal `json:"amount"`
}

// Register handles user registration. Public sign-up always creates a USER.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}
	user, err := h.svc.Register(r.Context(), req.Username, req.Email, req.Password, models.RoleUser)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, user)
}

// CreateUser lets an administrator register a user with any role
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	if p.Role != models.RoleAdmin {
		h.fail(w, r, apperr.AccessDenied("creating users requires the ADMIN role"))
		return
	}
	var req createUserRequest
	if !h.decode(w, r, &req) {
		return
	}
	user, err := h.svc.Register(r.Context(), req.Username, req.Email, req.Password, req.Role)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, user)
}

// Login handles user authentication
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	token, err := h.svc.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]string{"token": token})
}

// CreateCard issues a card to a user
func (h *Handler) CreateCard(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req createCardRequest
	if !h.decode(w, r, &req) {
		return
	}
	var expiry *time.Time
	if req.ExpiryDate != "" {
		// format already checked by the validator
		t, _ := time.Parse("2006-01-02", req.ExpiryDate)
		expiry = &t
	}
	view, err := h.svc.CreateCard(r.Context(), req.OwnerID, expiry, req.InitialBalance, p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, view)
}

// ListCards returns a filtered page of all cards
func (h *Handler) ListCards(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	var filter models.CardFilter
	if raw := q.Get("owner_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.fail(w, r, apperr.InvalidInput("owner_id must be an integer"))
			return
		}
		filter.OwnerID = &id
	}
	if raw := q.Get("status"); raw != "" {
		status := models.CardStatus(raw)
		filter.Status = &status
	}

	page := models.PageRequest{SortBy: q.Get("sort_by"), SortDir: q.Get("sort_dir")}
	var err error
	if page.Page, err = intParam(q.Get("page"), 0); err != nil {
		h.fail(w, r, apperr.InvalidInput("page must be an integer"))
		return
	}
	if page.Size, err = intParam(q.Get("size"), models.DefaultPageSize); err != nil {
		h.fail(w, r, apperr.InvalidInput("size must be an integer"))
		return
	}

	result, err := h.svc.ListCards(r.Context(), filter, page, p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, result)
}

// ListOwnCards returns the caller's cards
func (h *Handler) ListOwnCards(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	cards, err := h.svc.ListOwnCards(r.Context(), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, cards)
}

// GetCard returns one card
func (h *Handler) GetCard(w http.ResponseWriter, r *http.Request) {
	h.withCard(w, r, func(id int64, p models.Principal) (any, error) {
		return h.svc.GetCard(r.Context(), id, p)
	})
}

// BlockCard blocks a card
func (h *Handler) BlockCard(w http.ResponseWriter, r *http.Request) {
	h.withCard(w, r, func(id int64, p models.Principal) (any, error) {
		return h.svc.BlockCard(r.Context(), id, p)
	})
}

// ActivateCard activates a card
func (h *Handler) ActivateCard(w http.ResponseWriter, r *http.Request) {
	h.withCard(w, r, func(id int64, p models.Principal) (any, error) {
		return h.svc.ActivateCard(r.Context(), id, p)
	})
}

// DeleteCard deletes a card with zero balance
func (h *Handler) DeleteCard(w http.ResponseWriter, r *http.Request) {
	h.withCard(w, r, func(id int64, p models.Principal) (any, error) {
		return nil, h.svc.DeleteCard(r.Context(), id, p)
	})
}

// ListCardTransactions returns the ledger records of a card
func (h *Handler) ListCardTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), 0)
	if err != nil {
		h.fail(w, r, apperr.InvalidInput("limit must be an integer"))
		return
	}
	h.withCard(w, r, func(id int64, p models.Principal) (any, error) {
		return h.svc.ListCardTransactions(r.Context(), id, p, limit)
	})
}

// Transfer moves money between two of the caller's cards
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !h.decode(w, r, &req) {
		return
	}
	record, err := h.svc.Transfer(r.Context(), req.FromCardID, req.ToCardID, req.Amount, p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, record)
}

func (h *Handler) withCard(w http.ResponseWriter, r *http.Request, fn func(id int64, p models.Principal) (any, error)) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		h.fail(w, r, apperr.InvalidInput("card id must be a positive integer"))
		return
	}
	out, err := fn(id, p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if out == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.respond(w, http.StatusOK, out)
}

func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (models.Principal, bool) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		h.fail(w, r, apperr.ErrInvalidCredentials)
	}
	return p, ok
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.fail(w, r, apperr.InvalidInput("malformed request body: %v", err))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			h.fail(w, r, apperr.InvalidInput("field %s failed %s validation", fe.Field(), fe.Tag()))
			return false
		}
		h.fail(w, r, apperr.InvalidInput("invalid request"))
		return false
	}
	return true
}

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// statusFor maps an error class to its HTTP status
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindUnauthorized:
		if errors.Is(err, apperr.ErrInvalidCredentials) {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case apperr.KindInvalidInput:
		return http.StatusBadRequest
	case apperr.KindBusinessRule:
		return http.StatusUnprocessableEntity
	}
	if errors.Is(err, apperr.ErrCrypto) {
		return http.StatusInternalServerError
	}
	return http.StatusServiceUnavailable
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	requestID := middleware.RequestIDFrom(r.Context())
	message := err.Error()
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithFields(logrus.Fields{
			"request_id": requestID,
			"path":       r.URL.Path,
		}).Error("Request failed")
		// infrastructure detail stays in the log
		var ae *apperr.Error
		if errors.As(err, &ae) {
			message = ae.Message
		} else {
			message = "internal error"
		}
	}
	h.respond(w, status, errorResponse{
		Error:     string(apperr.CodeOf(err)),
		Message:   message,
		RequestID: requestID,
	})
}

func (h *Handler) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.WithError(err).Error("Failed to encode response")
	}
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
