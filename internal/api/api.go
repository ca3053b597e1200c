// Package api exposes the REST surface: the authentication exchange and
// the chat endpoints clients fall back to when no websocket is available.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/taskline/taskline/internal/auth"
	apperrors "github.com/taskline/taskline/internal/errors"
	"github.com/taskline/taskline/internal/pipeline"
	"github.com/taskline/taskline/internal/store"
)

// Handler holds the dependencies shared by all REST endpoints.
type Handler struct {
	auth     *auth.Service
	issuer   *auth.Issuer
	pipeline *pipeline.Pipeline
	store    *store.Store
	gateway  http.Handler
	logger   *slog.Logger
}

// NewHandler creates a Handler with common dependencies.
func NewHandler(svc *auth.Service, issuer *auth.Issuer, pl *pipeline.Pipeline, st *store.Store, gateway http.Handler, logger *slog.Logger) *Handler {
	return &Handler{
		auth:     svc,
		issuer:   issuer,
		pipeline: pl,
		store:    st,
		gateway:  gateway,
		logger:   logger,
	}
}

// Router builds the full route tree, websocket endpoint included.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Heartbeat("/health"))

	requireAuth := auth.Middleware(h.issuer, h.logger)

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", h.register)
		r.Post("/login", h.login)
		r.Post("/send-otp", h.sendOTP)
		r.Post("/verify-otp", h.verifyOTP)
		r.Post("/refresh-token", h.refreshToken)

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Post("/logout", h.logout)
			r.Get("/me", h.me)
		})
	})

	r.Route("/api/chat", func(r chi.Router) {
		r.Use(requireAuth)
		r.Get("/conversations", h.conversations)
		r.Get("/messages/{userID}", h.messages)
		r.Post("/send", h.send)
		r.Put("/read/{userID}", h.markRead)
	})

	r.Get("/ws", h.gateway.ServeHTTP)

	return r
}

// userView is the public shape of an account record. Credential and OTP
// fields never leave the server.
type userView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

func toView(u store.User) userView {
	return userView{ID: u.ID, Name: u.Name, Email: u.Email}
}

// credentialsResponse is the body of every endpoint that signs a user in.
type credentialsResponse struct {
	User         userView `json:"user"`
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
}

func toCredentialsResponse(c *auth.Credentials) credentialsResponse {
	return credentialsResponse{
		User:         toView(c.User),
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"message":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"message": message})
}

// fail maps a service error to an HTTP status. Internal errors are logged
// but returned to the caller without detail.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, apperrors.ErrInvalidCredentials),
		errors.Is(err, apperrors.ErrInvalidToken),
		errors.Is(err, apperrors.ErrRefreshExpired):
		Error(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, apperrors.ErrNotFound):
		Error(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid request body")
	}

	return nil
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	creds, err := h.auth.Register(req.Name, req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	JSON(w, http.StatusCreated, toCredentialsResponse(creds))
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	creds, err := h.auth.Login(req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	JSON(w, http.StatusOK, toCredentialsResponse(creds))
}

func (h *Handler) sendOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.auth.SendOTP(r.Context(), req.Email); err != nil {
		h.fail(w, r, err)
		return
	}

	JSON(w, http.StatusOK, map[string]string{"message": "code sent"})
}

func (h *Handler) verifyOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	creds, err := h.auth.VerifyOTP(req.Email, req.Code)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	JSON(w, http.StatusOK, toCredentialsResponse(creds))
}

// refreshToken exchanges a valid refresh token for a new access token.
// The refresh token itself is not rotated here; it stays valid until its
// own expiry or until the user logs out.
func (h *Handler) refreshToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	access, err := h.auth.Refresh(req.RefreshToken)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	JSON(w, http.StatusOK, map[string]string{"accessToken": access})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Logout(auth.RequestUserID(r.Context())); err != nil {
		h.fail(w, r, err)
		return
	}

	JSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	u, err := h.store.UserByID(auth.RequestUserID(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	JSON(w, http.StatusOK, toView(*u))
}

func (h *Handler) conversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.pipeline.Conversations(auth.RequestUserID(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	JSON(w, http.StatusOK, convs)
}

// messages returns the conversation with the addressed user, oldest
// first, and marks everything they sent as read. Fetching a conversation
// is the act of reading it.
func (h *Handler) messages(w http.ResponseWriter, r *http.Request) {
	userID := auth.RequestUserID(r.Context())
	counterpartID := chi.URLParam(r, "userID")

	history, err := h.pipeline.History(userID, counterpartID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if err := h.pipeline.MarkRead(userID, counterpartID); err != nil {
		h.logger.Warn("mark read on fetch failed", "counterpart", counterpartID, "error", err)
	}

	JSON(w, http.StatusOK, history)
}

// send is the REST fallback for clients without a live websocket. The
// message still flows through the full pipeline, so an online receiver
// gets it pushed immediately.
func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Receiver string `json:"receiver"`
		Message  string `json:"message"`
	}
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.pipeline.Send(auth.RequestUserID(r.Context()), req.Receiver, req.Message)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	JSON(w, http.StatusCreated, msg)
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	counterpartID := chi.URLParam(r, "userID")

	if err := h.pipeline.MarkRead(auth.RequestUserID(r.Context()), counterpartID); err != nil {
		h.fail(w, r, err)
		return
	}

	JSON(w, http.StatusOK, map[string]string{"message": "read"})
}
