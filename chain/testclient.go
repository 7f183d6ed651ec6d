package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

type (
	CallContractHandler        func(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogsHandler          func(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SendTransactionHandler     func(ctx context.Context, tx *types.Transaction) error
	TransactionReceiptHandler  func(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SubscribeFilterLogsHandler func(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
)

// TestClient is a Client whose behaviour is set per test through handlers.
// Unset handlers fall back to permissive defaults: calls fail, log queries
// return nothing, transactions are accepted and mined successfully.
type TestClient struct {
	mu                  sync.RWMutex
	chainID             *big.Int
	callContract        CallContractHandler
	filterLogs          FilterLogsHandler
	sendTransaction     SendTransactionHandler
	transactionReceipt  TransactionReceiptHandler
	subscribeFilterLogs SubscribeFilterLogsHandler

	logFeed     event.Feed
	subscribers int
	sent        []*types.Transaction
}

// NewTestClient returns a TestClient reporting the given chain id.
func NewTestClient(chainID uint64) *TestClient {
	return &TestClient{chainID: new(big.Int).SetUint64(chainID)}
}

func (c *TestClient) SetCallContractHandler(h CallContractHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callContract = h
}

func (c *TestClient) SetFilterLogsHandler(h FilterLogsHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filterLogs = h
}

func (c *TestClient) SetSendTransactionHandler(h SendTransactionHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendTransaction = h
}

func (c *TestClient) SetTransactionReceiptHandler(h TransactionReceiptHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transactionReceipt = h
}

func (c *TestClient) SetSubscribeFilterLogsHandler(h SubscribeFilterLogsHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribeFilterLogs = h
}

// EmitLog delivers a log to every subscription opened through the default
// SubscribeFilterLogs behaviour. It blocks until each subscriber has received it.
func (c *TestClient) EmitLog(l types.Log) int {
	return c.logFeed.Send(l)
}

// Subscribers reports how many default log subscriptions are still open.
func (c *TestClient) Subscribers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscribers
}

// SentTransactions returns the transactions accepted so far.
func (c *TestClient) SentTransactions() []*types.Transaction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.Transaction, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *TestClient) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

func (c *TestClient) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return []byte{0x1}, nil
}

func (c *TestClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.mu.RLock()
	h := c.callContract
	c.mu.RUnlock()
	if h == nil {
		return nil, errors.New("test client: no call contract handler")
	}
	return h(ctx, call, blockNumber)
}

func (c *TestClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1), BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (c *TestClient) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return []byte{0x1}, nil
}

func (c *TestClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint64(len(c.sent)), nil
}

func (c *TestClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (c *TestClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (c *TestClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (c *TestClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	h := c.sendTransaction
	c.mu.Unlock()
	if h != nil {
		if err := h(ctx, tx); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.sent = append(c.sent, tx)
	c.mu.Unlock()
	return nil
}

func (c *TestClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.RLock()
	h := c.transactionReceipt
	c.mu.RUnlock()
	if h != nil {
		return h(ctx, txHash)
	}
	return &types.Receipt{TxHash: txHash, Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)}, nil
}

func (c *TestClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.RLock()
	h := c.filterLogs
	c.mu.RUnlock()
	if h == nil {
		return nil, nil
	}
	return h(ctx, q)
}

func (c *TestClient) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	c.mu.Lock()
	h := c.subscribeFilterLogs
	if h == nil {
		c.subscribers++
	}
	c.mu.Unlock()
	if h != nil {
		return h(ctx, q, ch)
	}
	return &countedSubscription{Subscription: c.logFeed.Subscribe(ch), client: c}, nil
}

type countedSubscription struct {
	event.Subscription
	client *TestClient
	once   sync.Once
}

func (s *countedSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.Subscription.Unsubscribe()
		s.client.mu.Lock()
		s.client.subscribers--
		s.client.mu.Unlock()
	})
}

// ErrUnexpectedCall is returned by Stub for calls it has no answer for.
var ErrUnexpectedCall = errors.New("unexpected contract call")

type stubKey struct {
	to       common.Address
	selector [4]byte
}

// StubFunc answers a single eth_call.
type StubFunc func(msg ethereum.CallMsg) ([]byte, error)

// Stub routes eth_calls by target address and method selector. Its
// CallContract method is meant to be installed with SetCallContractHandler.
type Stub struct {
	mu     sync.RWMutex
	routes map[stubKey]StubFunc
	calls  map[stubKey]int
}

func NewStub() *Stub {
	return &Stub{routes: make(map[stubKey]StubFunc), calls: make(map[stubKey]int)}
}

// Handle installs fn for calls of selector on contract to.
func (s *Stub) Handle(to common.Address, selector []byte, fn StubFunc) {
	var key stubKey
	key.to = to
	copy(key.selector[:], selector)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[key] = fn
}

// Calls reports how many times selector was called on contract to.
func (s *Stub) Calls(to common.Address, selector []byte) int {
	var key stubKey
	key.to = to
	copy(key.selector[:], selector)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[key]
}

func (s *Stub) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, fmt.Errorf("%w: malformed call", ErrUnexpectedCall)
	}
	var key stubKey
	key.to = *msg.To
	copy(key.selector[:], msg.Data[:4])
	s.mu.Lock()
	fn, ok := s.routes[key]
	s.calls[key]++
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s selector %x", ErrUnexpectedCall, msg.To.Hex(), key.selector)
	}
	return fn(msg)
}

// Return makes method on contract to answer with the ABI-packed values.
func (s *Stub) Return(to common.Address, contract gethabi.ABI, method string, values ...any) {
	m, ok := contract.Methods[method]
	if !ok {
		panic("stub: unknown method " + method)
	}
	out, err := m.Outputs.Pack(values...)
	if err != nil {
		panic(fmt.Sprintf("stub: pack %s: %v", method, err))
	}
	s.Handle(to, m.ID, func(ethereum.CallMsg) ([]byte, error) { return out, nil })
}

// Fail makes method on contract to answer with err.
func (s *Stub) Fail(to common.Address, contract gethabi.ABI, method string, err error) {
	s.Handle(to, contract.Methods[method].ID, func(ethereum.CallMsg) ([]byte, error) { return nil, err })
}
