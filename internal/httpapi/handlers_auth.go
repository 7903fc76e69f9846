package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"your.org/secretaria-backend/internal/auth"
	ilog "your.org/secretaria-backend/internal/log"
	"your.org/secretaria-backend/internal/store"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" || req.Name == "" {
		writeFail(w, http.StatusBadRequest, "email, password and name are required")
		return
	}
	user, err := s.auth.SignUp(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		ilog.Errorf("register: %v", err)
		writeFail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.UpsertProfile(r.Context(), &store.Profile{
		ID:    user.ID,
		Name:  req.Name,
		Email: req.Email,
	}); err != nil {
		ilog.WithUser(user.ID).Error("create profile: %v", err)
		writeFail(w, http.StatusInternalServerError, "failed to create profile")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "user registered successfully",
		"user": map[string]any{
			"id":    user.ID,
			"email": user.Email,
			"name":  req.Name,
		},
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeFail(w, http.StatusBadRequest, "email and password are required")
		return
	}
	session, err := s.auth.SignInWithPassword(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeFail(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		ilog.Errorf("login: %v", err)
		writeFail(w, http.StatusInternalServerError, "login failed")
		return
	}
	// The profile row supplies the display name; fall back to the
	// auth metadata when the row is missing.
	name := session.User.Name()
	if p, err := s.store.GetProfile(r.Context(), session.User.ID); err == nil && p.Name != "" {
		name = p.Name
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user": map[string]any{
			"id":    session.User.ID,
			"email": session.User.Email,
			"name":  name,
		},
		"session": map[string]any{
			"access_token": session.AccessToken,
			"expires_at":   session.ExpiresAt,
		},
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if err := s.auth.SignOut(r.Context(), token); err != nil {
		ilog.Errorf("logout: %v", err)
		writeFail(w, http.StatusInternalServerError, "logout failed")
		return
	}
	writeSuccess(w, "logged out successfully")
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	name := user.Name()
	if p, err := s.store.GetProfile(r.Context(), user.ID); err == nil && p.Name != "" {
		name = p.Name
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user": map[string]any{
			"id":    user.ID,
			"email": user.Email,
			"name":  name,
		},
	})
}

type updateProfileRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	var req updateProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeFail(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.store.UpsertProfile(r.Context(), &store.Profile{
		ID:    user.ID,
		Name:  req.Name,
		Email: user.Email,
	}); err != nil {
		ilog.WithUser(user.ID).Error("update profile: %v", err)
		writeFail(w, http.StatusInternalServerError, "failed to update profile")
		return
	}
	// Mirror the name into the auth metadata so both stores agree.
	if _, err := s.auth.UpdateUserMetadata(r.Context(), bearerToken(r), map[string]any{"name": req.Name}); err != nil {
		ilog.WithUser(user.ID).Error("update auth metadata: %v", err)
	}
	writeSuccess(w, "profile updated successfully")
}
