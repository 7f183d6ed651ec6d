package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

// --- Mock Infrastructure ---

type fakeSystem struct {
	view       farmsync.View
	selectErr  error
	connectErr error
	lock       contracts.LockInfo
	lockErr    error
	selected   []farm.Kind
}

func (s *fakeSystem) View() farmsync.View { return s.view }

func (s *fakeSystem) SelectFarm(kind farm.Kind) error {
	if s.selectErr != nil {
		return s.selectErr
	}
	s.selected = append(s.selected, kind)
	s.view.Selected = kind
	return nil
}

func (s *fakeSystem) Connect(ctx context.Context) error { return s.connectErr }

func (s *fakeSystem) LiquidityLock(ctx context.Context) (contracts.LockInfo, error) {
	return s.lock, s.lockErr
}

// recorder records every action call and answers with err.
type recorder struct {
	calls []string
	err   error
}

func (r *recorder) record(call string) error {
	r.calls = append(r.calls, call)
	return r.err
}

func (r *recorder) Approve(ctx context.Context) error { return r.record("approve") }
func (r *recorder) Harvest(ctx context.Context) error { return r.record("harvest") }
func (r *recorder) Claim(ctx context.Context) error   { return r.record("claim") }
func (r *recorder) Swap(ctx context.Context) error    { return r.record("swap") }

func (r *recorder) Stake(ctx context.Context, value *big.Int) error {
	return r.record("stake " + value.String())
}

func (r *recorder) Withdraw(ctx context.Context, value *big.Int) error {
	return r.record("withdraw " + value.String())
}

func (r *recorder) RequestClaimDetails(ctx context.Context, chunkIndex int) error {
	return r.record(fmt.Sprintf("details %d", chunkIndex))
}

type fixture struct {
	system  *fakeSystem
	actions *recorder
	router  http.Handler
}

func newFixture() *fixture {
	f := &fixture{
		system: &fakeSystem{view: farmsync.View{
			System:   "test",
			Selected: farm.KindUP,
			Farm:     farm.View{Kind: farm.KindUP, Global: farm.Global{FarmTokenDecimals: 18}},
			Pending:  []string{},
		}},
		actions: &recorder{},
	}
	h := NewHandler(Deps{
		System:   f.system,
		Farm:     f.actions,
		Swap:     f.actions,
		Harvest:  f.actions,
		Gatherer: prometheus.NewRegistry(),
	}, zap.NewNop())
	f.router = h.NewRouter()
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body["error"]
}

// --- Tests ---

func TestHandleView(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodGet, "/api/view", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var got map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "test", got["system"])
	assert.Equal(t, "up", got["selected"])
}

func TestHandleHealthAndMetrics(t *testing.T) {
	f := newFixture()
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/health", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/metrics", "").Code)
}

func TestHandleSelectFarm(t *testing.T) {
	testCases := []struct {
		name       string
		kind       string
		selectErr  error
		wantStatus int
	}{
		{name: "Happy Path - known farm", kind: "weth", wantStatus: http.StatusOK},
		{name: "Error Case - unknown farm", kind: "doge", wantStatus: http.StatusBadRequest},
		{name: "Error Case - system failure", kind: "wbtc", selectErr: errors.New("boom"), wantStatus: http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			f.system.selectErr = tc.selectErr
			rec := f.do(http.MethodPost, "/api/farms/"+tc.kind+"/select", "")
			assert.Equal(t, tc.wantStatus, rec.Code)
			if tc.wantStatus == http.StatusOK {
				assert.Equal(t, []farm.Kind{farm.Kind(tc.kind)}, f.system.selected)
			} else {
				assert.Empty(t, f.system.selected)
			}
		})
	}
}

func TestHandleFarmAction(t *testing.T) {
	testCases := []struct {
		name       string
		action     string
		body       string
		actionErr  error
		wantStatus int
		wantCalls  []string
	}{
		{name: "Happy Path - approve", action: "approve", wantStatus: http.StatusOK, wantCalls: []string{"approve"}},
		{name: "Happy Path - stake parses decimal amount", action: "stake", body: `{"amount":"1.5"}`, wantStatus: http.StatusOK, wantCalls: []string{"stake 1500000000000000000"}},
		{name: "Happy Path - withdraw", action: "withdraw", body: `{"amount":"2"}`, wantStatus: http.StatusOK, wantCalls: []string{"withdraw 2000000000000000000"}},
		{name: "Happy Path - harvest", action: "harvest", wantStatus: http.StatusOK, wantCalls: []string{"harvest"}},
		{name: "Happy Path - claim", action: "claim", wantStatus: http.StatusOK, wantCalls: []string{"claim"}},
		{name: "Error Case - bad json", action: "stake", body: `{`, wantStatus: http.StatusBadRequest},
		{name: "Error Case - negative amount", action: "stake", body: `{"amount":"-1"}`, wantStatus: http.StatusBadRequest},
		{name: "Error Case - unknown action", action: "burn", wantStatus: http.StatusNotFound},
		{
			name:       "Error Case - action already in flight",
			action:     "harvest",
			actionErr:  state.ErrInFlight,
			wantStatus: http.StatusConflict,
			wantCalls:  []string{"harvest"},
		},
		{
			name:       "Edge Case - request timed out while mining",
			action:     "harvest",
			actionErr:  &state.ActionError{Component: "farm", Action: "harvest", Err: fmt.Errorf("%w: %w", state.ErrDetached, context.DeadlineExceeded)},
			wantStatus: http.StatusAccepted,
			wantCalls:  []string{"harvest"},
		},
		{
			name:       "Error Case - exceeds balance",
			action:     "stake",
			body:       `{"amount":"1"}`,
			actionErr:  &state.ActionError{Component: "farm", Action: "stake", Err: amount.ErrExceedsBalance},
			wantStatus: http.StatusBadRequest,
			wantCalls:  []string{"stake 1000000000000000000"},
		},
		{
			name:       "Error Case - reverted",
			action:     "claim",
			actionErr:  &state.ActionError{Component: "farm", Action: "claim", Err: contracts.ErrReverted},
			wantStatus: http.StatusUnprocessableEntity,
			wantCalls:  []string{"claim"},
		},
		{
			name:       "Error Case - no account",
			action:     "approve",
			actionErr:  farm.ErrNoAccount,
			wantStatus: http.StatusPreconditionFailed,
			wantCalls:  []string{"approve"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			f.actions.err = tc.actionErr
			rec := f.do(http.MethodPost, "/api/farm/"+tc.action, tc.body)
			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, tc.wantCalls, f.actions.calls)
			if tc.wantStatus != http.StatusOK {
				assert.NotEmpty(t, decodeError(t, rec))
			}
		})
	}
}

func TestHandleSwapAction(t *testing.T) {
	f := newFixture()
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/swap/approve", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/swap/swap", "").Code)
	assert.Equal(t, []string{"approve", "swap"}, f.actions.calls)

	f.actions.err = swap.ErrNotApproved
	rec := f.do(http.MethodPost, "/api/swap/swap", "")
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, swap.ErrNotApproved.Error(), decodeError(t, rec))
}

func TestHandleClaimDetails(t *testing.T) {
	t.Run("Happy Path - returns the loaded details", func(t *testing.T) {
		f := newFixture()
		f.system.view.Harvest.Details = &harvest.Details{ChunkIndex: 3, Phase: state.PhaseReady}
		rec := f.do(http.MethodGet, "/api/harvest/chunks/3/claims", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"details 3"}, f.actions.calls)
	})

	t.Run("Error Case - non numeric index", func(t *testing.T) {
		f := newFixture()
		rec := f.do(http.MethodGet, "/api/harvest/chunks/x/claims", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, f.actions.calls)
	})

	t.Run("Error Case - unknown chunk", func(t *testing.T) {
		f := newFixture()
		f.actions.err = harvest.ErrUnknownChunk
		rec := f.do(http.MethodGet, "/api/harvest/chunks/9/claims", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleConnectAndLock(t *testing.T) {
	t.Run("Error Case - connect without provider", func(t *testing.T) {
		f := newFixture()
		f.system.connectErr = wallet.ErrProviderUnavailable
		assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodPost, "/api/connect", "").Code)
	})

	t.Run("Happy Path - lock info", func(t *testing.T) {
		f := newFixture()
		f.system.lock = contracts.LockInfo{Token: common.HexToAddress("0x70"), ReleaseTime: time.Unix(1_800_000_000, 0).UTC()}
		rec := f.do(http.MethodGet, "/api/lock", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var got contracts.LockInfo
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
		assert.Equal(t, f.system.lock.Token, got.Token)
		assert.True(t, f.system.lock.ReleaseTime.Equal(got.ReleaseTime))
	})

	t.Run("Error Case - lock not configured", func(t *testing.T) {
		f := newFixture()
		f.system.lockErr = farmsync.ErrNoLiquidityLock
		assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/lock", "").Code)
	})
}
