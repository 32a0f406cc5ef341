// Package server implements the sync backend: a single POST endpoint
// that dispatches on a JSON action field. Every response is a JSON
// body; failures are reported through an error field rather than an
// HTTP status, so a client can always decode one shape.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Auth failure message shared by all token-guarded actions. Clients
// match on it to trigger their refresh-and-retry path.
const msgUnauthorized = "Unauthorized or Access Token Expired"

// Server holds the dependencies for the sync backend.
type Server struct {
	store      *Store
	tokens     *TokenManager
	router     *http.ServeMux
	bcryptCost int

	// now is the request clock, injectable for expiry tests.
	now func() time.Time
}

// NewServer creates and configures a new backend server.
func NewServer(store *Store, tokens *TokenManager, bcryptCost int) *Server {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	s := &Server{
		store:      store,
		tokens:     tokens,
		router:     http.NewServeMux(),
		bcryptCost: bcryptCost,
		now:        time.Now,
	}
	s.routes()
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("GET /", s.handleStatus)
	s.router.HandleFunc("POST /", s.handleRPC)
}

// rpcRequest is the union of all action inputs.
type rpcRequest struct {
	Action       string          `json:"action"`
	UserID       string          `json:"userId"`
	Password     string          `json:"password"`
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	Data         json.RawMessage `json:"data"`
	Version      *int            `json:"version"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "active", "message": "sync backend is running"})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, errorBody("Invalid request body"))
		return
	}

	var result any
	switch req.Action {
	case "register":
		result = s.register(req)
	case "login":
		result = s.login(req)
	case "validate":
		result = s.validate(req)
	case "refresh":
		result = s.refresh(req)
	case "save":
		result = s.save(req)
	case "load":
		result = s.load(req)
	case "clear":
		result = s.clear(req)
	default:
		result = errorBody("Invalid action")
	}
	writeJSON(w, result)
}

func (s *Server) register(req rpcRequest) any {
	if req.UserID == "" || req.Password == "" {
		return errorBody("Missing userId or password")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		slog.Error("Failed to hash password", "error", err)
		return errorBody("Internal error")
	}

	if err := s.store.CreateUser(req.UserID, string(hash)); err != nil {
		if errors.Is(err, ErrUserExists) {
			return errorBody("User already exists")
		}
		slog.Error("Failed to create user", "userId", req.UserID, "error", err)
		return errorBody("Internal error")
	}

	slog.Info("Registered user", "userId", req.UserID)
	return map[string]any{"success": true, "message": "User registered successfully"}
}

func (s *Server) login(req rpcRequest) any {
	if req.UserID == "" || req.Password == "" {
		return errorBody("Missing userId or password")
	}

	storedHash, err := s.store.PasswordHash(req.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return errorBody("User not found")
		}
		slog.Error("Failed to load user", "userId", req.UserID, "error", err)
		return errorBody("Internal error")
	}

	if bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(req.Password)) != nil {
		return errorBody("Invalid password")
	}

	accessToken, err := s.tokens.GenerateAccessToken(req.UserID)
	if err != nil {
		slog.Error("Failed to issue access token", "userId", req.UserID, "error", err)
		return errorBody("Internal error")
	}

	rawRefresh, refreshHash, refreshExpiry, err := s.tokens.GenerateRefreshToken()
	if err != nil {
		slog.Error("Failed to issue refresh token", "userId", req.UserID, "error", err)
		return errorBody("Internal error")
	}

	// Each device keeps its own refresh token; only expired ones are
	// swept here.
	if err := s.store.PruneRefreshTokens(req.UserID, s.now()); err != nil {
		slog.Warn("Failed to prune refresh tokens", "userId", req.UserID, "error", err)
	}
	if err := s.store.InsertRefreshToken(req.UserID, refreshHash, refreshExpiry); err != nil {
		slog.Error("Failed to store refresh token", "userId", req.UserID, "error", err)
		return errorBody("Internal error")
	}

	slog.Info("User logged in", "userId", req.UserID)
	return map[string]any{
		"success":      true,
		"accessToken":  accessToken,
		"refreshToken": rawRefresh,
		"userId":       req.UserID,
	}
}

func (s *Server) validate(req rpcRequest) any {
	userID, err := s.tokens.ValidateAccessToken(req.AccessToken)
	if err != nil {
		return map[string]any{"valid": false}
	}
	return map[string]any{"valid": true, "userId": userID}
}

func (s *Server) refresh(req rpcRequest) any {
	if req.RefreshToken == "" {
		return errorBody("Invalid or expired refresh token")
	}

	userID, err := s.store.FindRefreshToken(HashToken(req.RefreshToken), s.now())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return errorBody("Invalid or expired refresh token")
		}
		slog.Error("Failed to look up refresh token", "error", err)
		return errorBody("Internal error")
	}

	accessToken, err := s.tokens.GenerateAccessToken(userID)
	if err != nil {
		slog.Error("Failed to issue access token", "userId", userID, "error", err)
		return errorBody("Internal error")
	}

	return map[string]any{"success": true, "accessToken": accessToken, "userId": userID}
}

func (s *Server) save(req rpcRequest) any {
	userID, err := s.tokens.ValidateAccessToken(req.AccessToken)
	if err != nil {
		return errorBody(msgUnauthorized)
	}

	clientVersion := 0
	if req.Version != nil {
		clientVersion = *req.Version
	}
	data := req.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}

	newVersion, err := s.store.SaveEnvelope(userID, data, clientVersion)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			return map[string]any{"error": "ConflictError", "currentVersion": conflict.CurrentVersion}
		}
		slog.Error("Failed to save envelope", "userId", userID, "error", err)
		return errorBody("Internal error")
	}

	return map[string]any{"success": true, "version": newVersion}
}

func (s *Server) load(req rpcRequest) any {
	userID, err := s.tokens.ValidateAccessToken(req.AccessToken)
	if err != nil {
		return errorBody(msgUnauthorized)
	}

	data, version, err := s.store.LoadEnvelope(userID)
	if err != nil {
		slog.Error("Failed to load envelope", "userId", userID, "error", err)
		return errorBody("Internal error")
	}

	return map[string]any{"data": data, "version": version}
}

func (s *Server) clear(req rpcRequest) any {
	userID, err := s.tokens.ValidateAccessToken(req.AccessToken)
	if err != nil {
		return errorBody(msgUnauthorized)
	}

	if err := s.store.ClearEnvelope(userID); err != nil {
		slog.Error("Failed to clear envelope", "userId", userID, "error", err)
		return errorBody("Internal error")
	}

	slog.Info("Cleared user data", "userId", userID)
	return map[string]any{"success": true, "message": "Data for user " + userID + " cleared."}
}

func errorBody(msg string) map[string]any {
	return map[string]any{"error": msg}
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
