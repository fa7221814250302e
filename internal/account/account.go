// Package account opens paper-trading accounts and issues the bearer tokens
// used by every other endpoint.
package account

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/atmx/paper-engine/internal/auth"
	"github.com/atmx/paper-engine/internal/httputil"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/store"
)

// MinPasswordLength is the shortest password Register accepts.
const MinPasswordLength = 8

var (
	ErrWeakPassword       = errors.New("account: password must be at least 8 characters")
	ErrInvalidCredentials = errors.New("account: invalid credentials")
)

type Service struct {
	store           store.Store
	tokens          *auth.Tokens
	startingBalance decimal.Decimal
	cost            int
	now             func() time.Time
}

func NewService(st store.Store, tokens *auth.Tokens, startingBalance decimal.Decimal) *Service {
	return &Service{
		store:           st,
		tokens:          tokens,
		startingBalance: startingBalance,
		cost:            bcrypt.DefaultCost,
		now:             time.Now,
	}
}

// Open creates an account funded with the starting balance and protected
// by password.
func (s *Service) Open(ctx context.Context, userID, password string) (*model.Account, error) {
	acct, err := model.NewAccount(strings.TrimSpace(userID), s.startingBalance, s.now())
	if err != nil {
		return nil, err
	}
	if len(password) < MinPasswordLength {
		return nil, ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, err
	}
	acct.PasswordHash = string(hash)
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	slog.Info("account opened", "user", acct.UserID, "cash_balance", acct.CashBalance.String())
	return acct, nil
}

// Login checks the password and returns a fresh token. Unknown users and
// wrong passwords both yield ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, userID, password string) (string, error) {
	userID = strings.TrimSpace(userID)
	hash, err := s.store.PasswordHash(ctx, userID)
	if errors.Is(err, store.ErrAccountNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}
	if hash == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}
	return s.tokens.Issue(userID)
}

// Credentials is the JSON body for POST /api/v1/accounts and
// POST /api/v1/auth/login.
type Credentials struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// RegisterResponse returns the new account and its bearer token.
type RegisterResponse struct {
	Account     *model.Account `json:"account"`
	AccessToken string         `json:"access_token"`
	TokenType   string         `json:"token_type"`
}

// Register handles POST /api/v1/accounts
func (s *Service) Register(w http.ResponseWriter, r *http.Request) {
	var req Credentials
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, "invalid request body", http.StatusUnprocessableEntity)
		return
	}

	acct, err := s.Open(r.Context(), req.UserID, req.Password)
	switch {
	case errors.Is(err, model.ErrMissingUser):
		httputil.WriteError(w, "user_id is required", http.StatusUnprocessableEntity)
		return
	case errors.Is(err, ErrWeakPassword):
		httputil.WriteError(w, "password must be at least 8 characters", http.StatusUnprocessableEntity)
		return
	case errors.Is(err, store.ErrAccountExists):
		httputil.WriteError(w, "account already exists", http.StatusConflict)
		return
	case err != nil:
		slog.Error("open account failed", "user", req.UserID, "err", err)
		httputil.WriteError(w, "failed to open account", http.StatusInternalServerError)
		return
	}

	token, err := s.tokens.Issue(acct.UserID)
	if err != nil {
		slog.Error("issue token failed", "user", acct.UserID, "err", err)
		httputil.WriteError(w, "failed to issue token", http.StatusInternalServerError)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, RegisterResponse{Account: acct, AccessToken: token, TokenType: "bearer"})
}

// LoginHandler handles POST /api/v1/auth/login
func (s *Service) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req Credentials
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, "invalid request body", http.StatusUnprocessableEntity)
		return
	}

	token, err := s.Login(r.Context(), req.UserID, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		httputil.WriteError(w, "incorrect user_id or password", http.StatusUnauthorized)
		return
	}
	if err != nil {
		slog.Error("login failed", "user", req.UserID, "err", err)
		httputil.WriteError(w, "failed to log in", http.StatusInternalServerError)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, TokenResponse{AccessToken: token, TokenType: "bearer"})
}

// GetAccount handles GET /api/v1/account and GET /api/v1/auth/me
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r)
	if !ok {
		httputil.WriteError(w, "not authenticated", http.StatusUnauthorized)
		return
	}
	acct, err := s.store.GetAccount(r.Context(), userID)
	if errors.Is(err, store.ErrAccountNotFound) {
		httputil.WriteError(w, "account not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("get account failed", "user", userID, "err", err)
		httputil.WriteError(w, "failed to load account", http.StatusInternalServerError)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acct)
}
