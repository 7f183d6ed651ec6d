package contracts

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Iwinswap/iwinswap-farm-sync/abi"
	"github.com/Iwinswap/iwinswap-farm-sync/chain"
)

// Presale is the $UP presale contract.
type Presale struct {
	contract
}

func NewPresale(address common.Address, client chain.Client) *Presale {
	return &Presale{newContract(address, abi.PresaleABI, client)}
}

func (p *Presale) Address() common.Address { return p.address }

// At returns a copy of p whose reads are pinned to block.
func (p *Presale) At(block *big.Int) *Presale {
	pinned := *p
	pinned.block = block
	return &pinned
}

func (p *Presale) IsPresaleActive(ctx context.Context) (bool, error) {
	return p.boolean(ctx, "isPresaleActive")
}

func (p *Presale) WasPresaleEnded(ctx context.Context) (bool, error) {
	return p.boolean(ctx, "wasPresaleEnded")
}

func (p *Presale) AllowWhitelistAddressesOnly(ctx context.Context) (bool, error) {
	return p.boolean(ctx, "allowWhitelistAddressesOnly")
}

func (p *Presale) SupplyLeft(ctx context.Context) (*big.Int, error) {
	return p.bigInt(ctx, common.Address{}, "presaleWeiSupplyLeft")
}

func (p *Presale) Investment(ctx context.Context, account common.Address) (*big.Int, error) {
	return p.bigInt(ctx, common.Address{}, "investments", account)
}

func (p *Presale) IsWhitelisted(ctx context.Context, account common.Address) (bool, error) {
	return p.boolean(ctx, "whitelistAddresses", account)
}
