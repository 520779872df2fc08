package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/vmartins/corrigeai/internal/credit"
	appI18n "github.com/vmartins/corrigeai/internal/i18n"
	"github.com/vmartins/corrigeai/internal/model"
	"github.com/vmartins/corrigeai/internal/report"
	"github.com/vmartins/corrigeai/internal/session"
	"github.com/vmartins/corrigeai/internal/store"
)

const maxUploadSize = 20 << 20

// Config holds runtime server parameters set via CLI flags.
type Config struct {
	SecureCookies  bool // Set Secure flag on cookies (disable for local dev)
	DefaultCredits int  // Credits granted to newly created standard users
}

// Handler holds shared dependencies for HTTP handlers. Each authenticated
// user gets one in-memory session engine; two tabs of the same account
// share it.
type Handler struct {
	store  *store.Store
	oracle session.Oracle
	gate   *credit.Gate
	config Config

	mu      sync.Mutex
	engines map[int64]*session.Controller
}

// New creates a new Handler.
func New(s *store.Store, oracle session.Oracle, cfg Config) *Handler {
	return &Handler{
		store:   s,
		oracle:  oracle,
		gate:    credit.NewGate(s),
		config:  cfg,
		engines: make(map[int64]*session.Controller),
	}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Use(h.csrfMiddleware)
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Get("/api/me", h.handleMe)
		r.Post("/api/session", h.handleSubmit)
		r.Get("/api/session", h.handleGetSession)
		r.Delete("/api/session", h.handleReset)
		r.Patch("/api/session/header", h.handleEditHeader)
		r.Patch("/api/session/items/{index}", h.handleEditItem)
		r.Post("/api/session/items/{index}/reevaluate", h.handleReevaluate)
		r.Get("/api/session/report", h.handleReport)
		r.Post("/api/credits/purchase", h.handlePurchase)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Get("/admin/users", h.handleAdminListUsers)
			r.Post("/admin/users", h.handleAdminCreateUser)
			r.Post("/admin/users/{userID}/toggle", h.handleAdminToggleUser)
			r.Post("/admin/users/{userID}/credits", h.handleAdminAddCredits)
		})
	})
}

func (h *Handler) engineFor(userID int64) *session.Controller {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.engines[userID]
	if !ok {
		c = session.New(h.oracle, h.gate)
		h.engines[userID] = c
	}
	return c
}

// sessionView is the payload the front end polls: the current result
// plus the engine's in-flight flags.
type sessionView struct {
	Result *model.SessionResult `json:"result"`
	Status session.Status       `json:"status"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}
	defer file.Close()
	image, err := io.ReadAll(file)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "InternalError")
		return
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(image)
	}
	contextText := r.FormValue("context")

	engine := h.engineFor(user.ID)
	out, err := engine.Submit(r.Context(), image, mimeType, contextText, user)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	resp := struct {
		Result        *model.SessionResult `json:"result"`
		Status        session.Status       `json:"status"`
		Credits       int                  `json:"credits"`
		CreditWarning string               `json:"credit_warning,omitempty"`
	}{
		Result:  out.Result,
		Status:  engine.Status(),
		Credits: user.Credits,
	}
	if out.CreditWarning != nil {
		resp.CreditWarning = appI18n.T(r.Context(), "CreditWarning")
	}
	respondJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	engine := h.engineFor(user.ID)

	snapshot := engine.Snapshot()
	if snapshot == nil {
		h.respondError(w, r, http.StatusNotFound, "SessionNotFound")
		return
	}
	respondJSON(w, http.StatusOK, sessionView{Result: snapshot, Status: engine.Status()})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	h.engineFor(user.ID).Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleEditHeader(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	var req struct {
		Field string `json:"field"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}

	engine := h.engineFor(user.ID)
	if err := engine.EditHeader(model.HeaderField(req.Field), req.Value); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sessionView{Result: engine.Snapshot(), Status: engine.Status()})
}

func (h *Handler) handleEditItem(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}
	var req struct {
		Field string `json:"field"`
		Value any    `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}

	engine := h.engineFor(user.ID)
	if err := engine.EditItem(index, model.ItemField(req.Field), req.Value); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sessionView{Result: engine.Snapshot(), Status: engine.Status()})
}

func (h *Handler) handleReevaluate(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}

	engine := h.engineFor(user.ID)
	item, err := engine.ReevaluateItem(r.Context(), index)
	if err != nil {
		if errors.Is(err, model.ErrInvalidVariant) {
			h.respondError(w, r, http.StatusBadRequest, "ReevaluateContextError")
			return
		}
		h.writeEngineError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, struct {
		Item   *model.GradingItem   `json:"item"`
		Result *model.SessionResult `json:"result"`
		Status session.Status       `json:"status"`
	}{Item: item, Result: engine.Snapshot(), Status: engine.Status()})
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	engine := h.engineFor(user.ID)

	snapshot := engine.Snapshot()
	if snapshot == nil {
		h.respondError(w, r, http.StatusNotFound, "SessionNotFound")
		return
	}

	formatStr := r.URL.Query().Get("format")
	if formatStr == "" {
		formatStr = string(report.FormatPDF)
	}
	format, err := report.ParseFormat(formatStr)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "ReportFormatError")
		return
	}

	data, err := report.Render(snapshot, format)
	if err != nil {
		slog.Error("report rendering failed", "format", format, "error", err)
		h.respondError(w, r, http.StatusInternalServerError, "InternalError")
		return
	}

	contentType := "application/pdf"
	if format == report.FormatDOCX {
		contentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="correcao.%s"`, format))
	_, _ = w.Write(data)
}

func (h *Handler) handlePurchase(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	var req struct {
		Credits int `json:"credits"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Credits < 1 || req.Credits > 1000 {
		h.respondError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}

	intentID, err := h.store.CreatePurchaseIntent(user.ID, req.Credits)
	if err != nil {
		slog.Error("failed to record purchase intent", "user_id", user.ID, "error", err)
		h.respondError(w, r, http.StatusInternalServerError, "InternalError")
		return
	}
	slog.Info("recorded purchase intent", "user_id", user.ID, "credits", req.Credits, "intent_id", intentID)

	respondJSON(w, http.StatusAccepted, map[string]string{
		"intent_id": intentID,
		"message":   appI18n.T(r.Context(), "PurchaseAccepted"),
	})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	respondJSON(w, http.StatusOK, userView(user))
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses
// and localized messages.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrInsufficientQuota):
		h.respondError(w, r, http.StatusPaymentRequired, "InsufficientCredits")
	case errors.Is(err, model.ErrNoSession):
		h.respondError(w, r, http.StatusNotFound, "SessionNotFound")
	case errors.Is(err, model.ErrAlreadyInFlight):
		h.respondError(w, r, http.StatusConflict, "AlreadyInFlight")
	case errors.Is(err, model.ErrInvalidIndex),
		errors.Is(err, model.ErrInvalidValue),
		errors.Is(err, model.ErrInvalidVariant):
		h.respondError(w, r, http.StatusBadRequest, "InvalidRequest")
	case errors.Is(err, model.ErrMalformedResponse):
		h.respondError(w, r, http.StatusBadGateway, "MalformedResponse")
	case errors.Is(err, model.ErrOracleUnavailable):
		h.respondError(w, r, http.StatusBadGateway, "OracleUnavailable")
	default:
		slog.Error("unexpected engine error", "error", err)
		h.respondError(w, r, http.StatusInternalServerError, "InternalError")
	}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	respondJSON(w, status, map[string]string{"error": appI18n.T(r.Context(), msgID)})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

type userResponse struct {
	ID          int64          `json:"id"`
	Username    string         `json:"username"`
	DisplayName string         `json:"display_name"`
	Role        model.UserRole `json:"role"`
	Credits     int            `json:"credits"`
	Admin       bool           `json:"admin"`
	Active      bool           `json:"active"`
}

func userView(u *model.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Role:        u.Role,
		Credits:     u.Credits,
		Admin:       u.Admin,
		Active:      u.Active,
	}
}
