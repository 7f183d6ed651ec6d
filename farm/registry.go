// Package farm synchronizes the global and per-account state of the staking
// farms and submits farm transactions.
package farm

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrUnknownKind is returned for a farm kind outside the static registry.
	ErrUnknownKind = errors.New("unknown farm kind")
	// ErrMissingAddress is returned when a configured farm has no contract address.
	ErrMissingAddress = errors.New("farm contract address is required")
)

// Kind identifies one of the four farms.
type Kind string

const (
	KindUP    Kind = "up"
	KindUPETH Kind = "up-eth"
	KindWETH  Kind = "weth"
	KindWBTC  Kind = "wbtc"
)

// Kinds lists every farm in display order.
var Kinds = []Kind{KindUP, KindUPETH, KindWETH, KindWBTC}

// Definition is the static description of a farm plus its deployed address.
type Definition struct {
	Kind    Kind           `json:"kind"`
	Token   string         `json:"token"`
	MaxAPY  float64        `json:"maxApy"`
	Address common.Address `json:"address"`
}

var definitions = map[Kind]Definition{
	KindUP:    {Kind: KindUP, Token: "$UP", MaxAPY: 60000},
	KindUPETH: {Kind: KindUPETH, Token: "$UP-ETH", MaxAPY: 120000},
	KindWETH:  {Kind: KindWETH, Token: "WETH", MaxAPY: 16000},
	KindWBTC:  {Kind: KindWBTC, Token: "WBTC", MaxAPY: 16000},
}

// ParseKind validates s as a farm kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := definitions[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// Registry maps every farm kind to its definition and contract address.
type Registry struct {
	defs   map[Kind]Definition
	byAddr map[common.Address]Kind
}

// NewRegistry binds addresses to the static farm definitions. Every kind
// must be present with a non-zero address.
func NewRegistry(addresses map[Kind]common.Address) (*Registry, error) {
	r := &Registry{
		defs:   make(map[Kind]Definition, len(definitions)),
		byAddr: make(map[common.Address]Kind, len(definitions)),
	}
	for addrKind := range addresses {
		if _, ok := definitions[addrKind]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKind, string(addrKind))
		}
	}
	for _, k := range Kinds {
		addr := addresses[k]
		if addr == (common.Address{}) {
			return nil, fmt.Errorf("%w: %s", ErrMissingAddress, k)
		}
		if other, dup := r.byAddr[addr]; dup {
			return nil, fmt.Errorf("farms %s and %s share address %s", other, k, addr.Hex())
		}
		def := definitions[k]
		def.Address = addr
		r.defs[k] = def
		r.byAddr[addr] = k
	}
	return r, nil
}

// Lookup returns the definition of k.
func (r *Registry) Lookup(k Kind) (Definition, error) {
	def, ok := r.defs[k]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownKind, string(k))
	}
	return def, nil
}

// KindOf returns the farm deployed at addr.
func (r *Registry) KindOf(addr common.Address) (Kind, bool) {
	k, ok := r.byAddr[addr]
	return k, ok
}

// Definitions returns every definition in display order.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, 0, len(r.defs))
	for _, k := range Kinds {
		out = append(out, r.defs[k])
	}
	return out
}
