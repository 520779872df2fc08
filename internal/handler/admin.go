package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"golang.org/x/crypto/bcrypt"

	"github.com/go-chi/chi/v5"
	"github.com/vmartins/corrigeai/internal/model"
)

func (h *Handler) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers()
	if err != nil {
		slog.Error("failed to list users", "error", err)
		h.respondError(w, r, http.StatusInternalServerError, "InternalError")
		return
	}
	views := make([]userResponse, 0, len(users))
	for i := range users {
		views = append(views, userView(&users[i]))
	}
	respondJSON(w, http.StatusOK, views)
}

func (h *Handler) handleAdminCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username    string `json:"username"`
		DisplayName string `json:"display_name"`
		Password    string `json:"password"`
		Role        string `json:"role"`
		Credits     *int   `json:"credits"`
		Admin       bool   `json:"admin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}

	if req.Username == "" || req.Password == "" {
		h.respondError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}

	role := model.UserRole(req.Role)
	if role == "" {
		role = model.RoleStandard
	}
	if role != model.RoleStandard && role != model.RolePrivileged {
		h.respondError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("failed to hash password", "error", err)
		h.respondError(w, r, http.StatusInternalServerError, "InternalError")
		return
	}

	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}
	credits := h.config.DefaultCredits
	if req.Credits != nil {
		credits = *req.Credits
	}
	if credits < 0 {
		h.respondError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}

	id, err := h.store.CreateUser(model.User{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		PasswordHash: string(hash),
		Role:         role,
		Credits:      credits,
		Admin:        req.Admin,
		Active:       true,
	})
	if err != nil {
		slog.Error("failed to create user", "username", req.Username, "error", err)
		h.respondError(w, r, http.StatusInternalServerError, "InternalError")
		return
	}

	user, err := h.store.GetUserByID(id)
	if err != nil || user == nil {
		h.respondError(w, r, http.StatusInternalServerError, "InternalError")
		return
	}
	respondJSON(w, http.StatusCreated, userView(user))
}

func (h *Handler) handleAdminToggleUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}

	if err := h.store.ToggleUserActive(id); err != nil {
		slog.Error("failed to toggle user active", "id", id, "error", err)
		h.respondError(w, r, http.StatusInternalServerError, "InternalError")
		return
	}

	user, err := h.store.GetUserByID(id)
	if err != nil || user == nil {
		h.respondError(w, r, http.StatusInternalServerError, "InternalError")
		return
	}
	respondJSON(w, http.StatusOK, userView(user))
}

func (h *Handler) handleAdminAddCredits(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}
	var req struct {
		Credits int `json:"credits"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Credits < 1 {
		h.respondError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}

	if err := h.store.AddCredits(id, req.Credits); err != nil {
		slog.Error("failed to add credits", "id", id, "error", err)
		h.respondError(w, r, http.StatusInternalServerError, "InternalError")
		return
	}
	slog.Info("credits granted", "user_id", id, "credits", req.Credits, "granted_by", model.UserFromContext(r.Context()).ID)

	user, err := h.store.GetUserByID(id)
	if err != nil || user == nil {
		h.respondError(w, r, http.StatusInternalServerError, "InternalError")
		return
	}
	respondJSON(w, http.StatusOK, userView(user))
}
