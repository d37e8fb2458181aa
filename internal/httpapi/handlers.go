// Package httpapi exposes the ledger over HTTP. It does what a chat command
// handler would: parse ids and amounts, pre-filter requests the ledger would
// not want (self-payments, bad admin codes) and render results.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sheikh-saqib/community-economy-ledger/internal/ledger"
	"github.com/sheikh-saqib/community-economy-ledger/internal/models"
)

const AdminCodeHeader = "X-Admin-Code"

// Ledger is the operation surface the handlers call.
type Ledger interface {
	Credit(ctx context.Context, accountID, communityID, amount int64) (int64, error)
	RecordActivity(ctx context.Context, accountID, communityID int64, activityLength int) (int64, error)
	ClaimDaily(ctx context.Context, accountID, communityID int64) (models.DailyClaim, error)
	Transfer(ctx context.Context, fromAccountID, toAccountID, communityID, amount int64) error
	GetBalance(ctx context.Context, accountID, communityID int64) (int64, error)
	TopN(ctx context.Context, communityID int64, n int) ([]models.RankEntry, error)
	AdminSet(ctx context.Context, accountID, communityID, newBalance int64) error
}

type Handler struct {
	ledger           Ledger
	adminCode        string
	leaderboardLimit int
	logger           *zap.Logger
}

func NewHandler(l Ledger, adminCode string, leaderboardLimit int, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if leaderboardLimit <= 0 {
		leaderboardLimit = 10
	}
	return &Handler{
		ledger:           l,
		adminCode:        adminCode,
		leaderboardLimit: leaderboardLimit,
		logger:           logger,
	}
}

func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(h.logRequests)

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	c := r.PathPrefix("/communities/{community:[0-9]+}").Subrouter()
	c.HandleFunc("/accounts/{account:[0-9]+}/balance", h.getBalance).Methods(http.MethodGet)
	c.HandleFunc("/accounts/{account:[0-9]+}/balance", h.setBalance).Methods(http.MethodPut)
	c.HandleFunc("/accounts/{account:[0-9]+}/credit", h.credit).Methods(http.MethodPost)
	c.HandleFunc("/accounts/{account:[0-9]+}/activity", h.activity).Methods(http.MethodPost)
	c.HandleFunc("/accounts/{account:[0-9]+}/daily", h.daily).Methods(http.MethodPost)
	c.HandleFunc("/transfers", h.transfer).Methods(http.MethodPost)
	c.HandleFunc("/leaderboard", h.leaderboard).Methods(http.MethodGet)
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type balanceResponse struct {
	AccountID   int64 `json:"account_id"`
	CommunityID int64 `json:"community_id"`
	Balance     int64 `json:"balance"`
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request) {
	account, community, ok := accountVars(w, r)
	if !ok {
		return
	}
	balance, err := h.ledger.GetBalance(r.Context(), account, community)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{AccountID: account, CommunityID: community, Balance: balance})
}

func (h *Handler) credit(w http.ResponseWriter, r *http.Request) {
	account, community, ok := accountVars(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount int64 `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	balance, err := h.ledger.Credit(r.Context(), account, community, req.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{AccountID: account, CommunityID: community, Balance: balance})
}

func (h *Handler) activity(w http.ResponseWriter, r *http.Request) {
	account, community, ok := accountVars(w, r)
	if !ok {
		return
	}
	var req struct {
		Length int `json:"length"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Length < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_input", Message: "length must not be negative"})
		return
	}
	credited, err := h.ledger.RecordActivity(r.Context(), account, community, req.Length)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"credited": credited})
}

type dailyResponse struct {
	Granted     bool      `json:"granted"`
	Amount      int64     `json:"amount"`
	NextClaimAt time.Time `json:"next_claim_at"`
	Error       string    `json:"error,omitempty"`
}

func (h *Handler) daily(w http.ResponseWriter, r *http.Request) {
	account, community, ok := accountVars(w, r)
	if !ok {
		return
	}
	claim, err := h.ledger.ClaimDaily(r.Context(), account, community)
	if errors.Is(err, ledger.ErrAlreadyClaimed) {
		writeJSON(w, http.StatusConflict, dailyResponse{
			NextClaimAt: claim.NextClaimAt,
			Error:       ledger.Kind(err),
		})
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dailyResponse{
		Granted:     true,
		Amount:      claim.Amount,
		NextClaimAt: claim.NextClaimAt,
	})
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request) {
	community, ok := int64Var(w, r, "community")
	if !ok {
		return
	}
	var req struct {
		FromAccount int64 `json:"from_account"`
		ToAccount   int64 `json:"to_account"`
		Amount      int64 `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.FromAccount == req.ToAccount {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_input", Message: "cannot pay yourself"})
		return
	}
	if err := h.ledger.Transfer(r.Context(), req.FromAccount, req.ToAccount, community, req.Amount); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "transferred"})
}

func (h *Handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	community, ok := int64Var(w, r, "community")
	if !ok {
		return
	}
	limit := h.leaderboardLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_input", Message: "limit must be an integer"})
			return
		}
		limit = n
	}
	entries, err := h.ledger.TopN(r.Context(), community, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"community_id": community,
		"entries":      entries,
	})
}

func (h *Handler) setBalance(w http.ResponseWriter, r *http.Request) {
	if h.adminCode == "" || subtle.ConstantTimeCompare([]byte(r.Header.Get(AdminCodeHeader)), []byte(h.adminCode)) != 1 {
		h.logger.Warn("admin code rejected", zap.String("path", r.URL.Path))
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden", Message: "invalid confirmation code"})
		return
	}
	account, community, ok := accountVars(w, r)
	if !ok {
		return
	}
	var req struct {
		Balance int64 `json:"balance"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.ledger.AdminSet(r.Context(), account, community, req.Balance); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{AccountID: account, CommunityID: community, Balance: req.Balance})
}
