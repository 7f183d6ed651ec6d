package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	farmsync "github.com/Iwinswap/iwinswap-farm-sync"
	"github.com/Iwinswap/iwinswap-farm-sync/amount"
	"github.com/Iwinswap/iwinswap-farm-sync/contracts"
	"github.com/Iwinswap/iwinswap-farm-sync/farm"
	"github.com/Iwinswap/iwinswap-farm-sync/harvest"
	"github.com/Iwinswap/iwinswap-farm-sync/state"
	"github.com/Iwinswap/iwinswap-farm-sync/swap"
	"github.com/Iwinswap/iwinswap-farm-sync/wallet"
)

// System is the read side of the orchestrator plus the session controls.
type System interface {
	View() farmsync.View
	SelectFarm(kind farm.Kind) error
	Connect(ctx context.Context) error
	LiquidityLock(ctx context.Context) (contracts.LockInfo, error)
}

type FarmActions interface {
	Approve(ctx context.Context) error
	Stake(ctx context.Context, value *big.Int) error
	Withdraw(ctx context.Context, value *big.Int) error
	Harvest(ctx context.Context) error
	Claim(ctx context.Context) error
}

type SwapActions interface {
	Approve(ctx context.Context) error
	Swap(ctx context.Context) error
}

type ClaimDetails interface {
	RequestClaimDetails(ctx context.Context, chunkIndex int) error
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	System   System
	Farm     FarmActions
	Swap     SwapActions
	Harvest  ClaimDetails
	Gatherer prometheus.Gatherer
}

// FromSystem wires Deps to a running System.
func FromSystem(s *farmsync.System, g prometheus.Gatherer) Deps {
	return Deps{System: s, Farm: s.Farm(), Swap: s.Swap(), Harvest: s.Harvest(), Gatherer: g}
}

// Handler holds the dependencies for API handlers
type Handler struct {
	Deps
	Logger *zap.Logger
}

func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	return &Handler{Deps: deps, Logger: logger}
}

// NewRouter creates and configures the HTTP router with all API routes
func (h *Handler) NewRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/health", h.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/view", h.HandleView).Methods(http.MethodGet)
	r.HandleFunc("/api/connect", h.HandleConnect).Methods(http.MethodPost)
	r.HandleFunc("/api/lock", h.HandleLock).Methods(http.MethodGet)

	r.HandleFunc("/api/farms/{kind}/select", h.HandleSelectFarm).Methods(http.MethodPost)
	r.HandleFunc("/api/farm/{action}", h.HandleFarmAction).Methods(http.MethodPost)
	r.HandleFunc("/api/swap/{action}", h.HandleSwapAction).Methods(http.MethodPost)
	r.HandleFunc("/api/harvest/chunks/{index}/claims", h.HandleClaimDetails).Methods(http.MethodGet)

	if h.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

// HandleHealth returns a simple health check response
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleView returns the combined state of every synchronizer.
func (h *Handler) HandleView(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.System.View())
}

func (h *Handler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	if err := h.System.Connect(r.Context()); err != nil {
		h.fail(w, "connect", err)
		return
	}
	writeJSON(w, http.StatusOK, h.System.View().Session)
}

func (h *Handler) HandleLock(w http.ResponseWriter, r *http.Request) {
	info, err := h.System.LiquidityLock(r.Context())
	if err != nil {
		h.fail(w, "lock", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) HandleSelectFarm(w http.ResponseWriter, r *http.Request) {
	kind, err := farm.ParseKind(mux.Vars(r)["kind"])
	if err == nil {
		err = h.System.SelectFarm(kind)
	}
	if err != nil {
		h.fail(w, "select", err)
		return
	}
	writeJSON(w, http.StatusOK, h.System.View().Farm)
}

type amountRequest struct {
	Amount string `json:"amount"`
}

// HandleFarmAction runs one farm transaction and waits for it to be mined.
// Stake and withdraw take {"amount": "<decimal>"} in farm token units.
func (h *Handler) HandleFarmAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	ctx := r.Context()

	var err error
	switch action {
	case farm.ActionApprove:
		err = h.Farm.Approve(ctx)
	case farm.ActionHarvest:
		err = h.Farm.Harvest(ctx)
	case farm.ActionClaim:
		err = h.Farm.Claim(ctx)
	case farm.ActionStake, farm.ActionWithdraw:
		var value *big.Int
		value, err = h.parseAmount(r)
		if err != nil {
			break
		}
		if action == farm.ActionStake {
			err = h.Farm.Stake(ctx, value)
		} else {
			err = h.Farm.Withdraw(ctx, value)
		}
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown farm action"})
		return
	}
	if err != nil {
		h.fail(w, "farm."+action, err)
		return
	}
	writeJSON(w, http.StatusOK, h.System.View().Farm)
}

func (h *Handler) parseAmount(r *http.Request) (*big.Int, error) {
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Warn("bad json in amount request", zap.Error(err))
		return nil, errBadJSON
	}
	return amount.ParseUnits(req.Amount, h.System.View().Farm.Global.FarmTokenDecimals)
}

func (h *Handler) HandleSwapAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	var err error
	switch action {
	case swap.ActionApprove:
		err = h.Swap.Approve(r.Context())
	case swap.ActionSwap:
		err = h.Swap.Swap(r.Context())
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown swap action"})
		return
	}
	if err != nil {
		h.fail(w, "swap."+action, err)
		return
	}
	writeJSON(w, http.StatusOK, h.System.View().Swap)
}

// HandleClaimDetails loads the claims recorded against one harvest chunk.
func (h *Handler) HandleClaimDetails(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil || index < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chunk index must be a non-negative integer"})
		return
	}
	if err := h.Harvest.RequestClaimDetails(r.Context(), index); err != nil {
		h.fail(w, "claims", err)
		return
	}
	writeJSON(w, http.StatusOK, h.System.View().Harvest.Details)
}

var errBadJSON = errors.New("bad json")

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed", zap.String("op", op), zap.Error(err))
	} else {
		h.Logger.Warn("request rejected", zap.String("op", op), zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadJSON),
		errors.Is(err, farm.ErrUnknownKind),
		errors.Is(err, harvest.ErrUnknownChunk),
		errors.Is(err, amount.ErrEmpty),
		errors.Is(err, amount.ErrInvalid),
		errors.Is(err, amount.ErrNegative),
		errors.Is(err, amount.ErrTooPrecise),
		errors.Is(err, amount.ErrNonPositive),
		errors.Is(err, amount.ErrExceedsBalance):
		return http.StatusBadRequest
	case errors.Is(err, farmsync.ErrNoLiquidityLock):
		return http.StatusNotFound
	case errors.Is(err, state.ErrInFlight):
		return http.StatusConflict
	case errors.Is(err, state.ErrDetached):
		return http.StatusAccepted
	case errors.Is(err, farm.ErrNoAccount),
		errors.Is(err, swap.ErrNoAccount),
		errors.Is(err, harvest.ErrNoAccount),
		errors.Is(err, farm.ErrNotStarted),
		errors.Is(err, farm.ErrNothingToHarvest),
		errors.Is(err, farm.ErrNothingToClaim),
		errors.Is(err, swap.ErrNothingToSwap),
		errors.Is(err, swap.ErrNotApproved),
		errors.Is(err, wallet.ErrReadOnly),
		errors.Is(err, wallet.ErrNoAccounts):
		return http.StatusPreconditionFailed
	case errors.Is(err, wallet.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, contracts.ErrReverted):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
