package chain

import (
	"fmt"
	"time"
)

// AccountMeta is one account reference of an instruction.
type AccountMeta struct {
	PublicKey  PublicKey
	IsSigner   bool
	IsWritable bool
}

func writable(pk PublicKey) AccountMeta { return AccountMeta{PublicKey: pk, IsWritable: true} }
func readonly(pk PublicKey) AccountMeta { return AccountMeta{PublicKey: pk} }
func signer(pk PublicKey, w bool) AccountMeta {
	return AccountMeta{PublicKey: pk, IsSigner: true, IsWritable: w}
}

// Instruction is a single program invocation.
type Instruction struct {
	ProgramID PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// Program instruction names, hashed into discriminators.
const (
	IxInitializeMarket     = "initialize_market"
	IxActivateMarket       = "activate_market"
	IxResolveMarket        = "resolve_market"
	IxSettlePositions      = "settle_positions"
	IxCloseMarket          = "close_market"
	IxCancelOrderByRelayer = "cancel_order_by_relayer"
)

// Builder assembles market program instructions signed by Authority.
type Builder struct {
	Deriver
	Authority PublicKey
}

// InitializeMarket creates the market and its vault. A zero strike leaves
// the market pending until ActivateMarket sets it.
func (b Builder) InitializeMarket(asset, timeframe string, strike uint64, expiry time.Time) (Instruction, PublicKey, error) {
	global, err := b.Global()
	if err != nil {
		return Instruction{}, PublicKey{}, err
	}
	market, err := b.Market(asset, timeframe, expiry)
	if err != nil {
		return Instruction{}, PublicKey{}, err
	}
	vault, err := b.Vault(market)
	if err != nil {
		return Instruction{}, PublicKey{}, err
	}
	data := NewInstructionData(IxInitializeMarket).
		String(asset).
		String(timeframe).
		U64(strike).
		I64(expiry.Unix()).
		Bytes()
	return Instruction{
		ProgramID: b.Program,
		Accounts: []AccountMeta{
			writable(global),
			writable(market),
			writable(vault),
			readonly(b.Mint),
			signer(b.Authority, true),
			readonly(TokenProgramID),
			readonly(AssociatedTokenProgram),
			readonly(SystemProgramID),
		},
		Data: data,
	}, market, nil
}

// ActivateMarket sets the strike of a pending market and opens it.
func (b Builder) ActivateMarket(market PublicKey, strike uint64) Instruction {
	return Instruction{
		ProgramID: b.Program,
		Accounts:  []AccountMeta{writable(market), signer(b.Authority, true)},
		Data:      NewInstructionData(IxActivateMarket).U64(strike).Bytes(),
	}
}

// ResolveMarket records the outcome code (0 YES, 1 NO) and final price.
func (b Builder) ResolveMarket(market PublicKey, outcome uint8, finalPrice uint64) Instruction {
	return Instruction{
		ProgramID: b.Program,
		Accounts:  []AccountMeta{writable(market), signer(b.Authority, false)},
		Data:      NewInstructionData(IxResolveMarket).U8(outcome).U64(finalPrice).Bytes(),
	}
}

// SettlePosition pays out one owner's position and closes its account.
func (b Builder) SettlePosition(market, owner PublicKey) (Instruction, error) {
	vault, err := b.Vault(market)
	if err != nil {
		return Instruction{}, err
	}
	position, err := b.Position(market, owner)
	if err != nil {
		return Instruction{}, err
	}
	userUSDC, err := b.TokenAccount(owner)
	if err != nil {
		return Instruction{}, err
	}
	return Instruction{
		ProgramID: b.Program,
		Accounts: []AccountMeta{
			writable(market),
			writable(vault),
			writable(position),
			writable(userUSDC),
			signer(b.Authority, false),
			readonly(TokenProgramID),
		},
		Data: NewInstructionData(IxSettlePositions).Bytes(),
	}, nil
}

// CloseMarket closes a settled market, sweeping vault dust to the
// authority's token account and rent to the authority.
func (b Builder) CloseMarket(market PublicKey) (Instruction, error) {
	vault, err := b.Vault(market)
	if err != nil {
		return Instruction{}, err
	}
	relayerUSDC, err := b.TokenAccount(b.Authority)
	if err != nil {
		return Instruction{}, err
	}
	return Instruction{
		ProgramID: b.Program,
		Accounts: []AccountMeta{
			writable(market),
			writable(vault),
			writable(relayerUSDC),
			signer(b.Authority, false),
			writable(b.Authority),
			readonly(TokenProgramID),
		},
		Data: NewInstructionData(IxCloseMarket).Bytes(),
	}, nil
}

// CancelOrderByRelayer force-cancels a resting on-ledger order after
// trading closed, refunding escrow and rent to the owner.
func (b Builder) CancelOrderByRelayer(market, owner PublicKey, clientOrderID uint64) (Instruction, error) {
	vault, err := b.Vault(market)
	if err != nil {
		return Instruction{}, err
	}
	userUSDC, err := b.TokenAccount(owner)
	if err != nil {
		return Instruction{}, err
	}
	order, err := b.Order(market, owner, clientOrderID)
	if err != nil {
		return Instruction{}, err
	}
	return Instruction{
		ProgramID: b.Program,
		Accounts: []AccountMeta{
			readonly(market),
			writable(vault),
			writable(userUSDC),
			writable(order),
			writable(owner),
			signer(b.Authority, false),
			readonly(TokenProgramID),
		},
		Data: NewInstructionData(IxCancelOrderByRelayer).Bytes(),
	}, nil
}

// SetComputeUnitLimit caps the compute units a transaction may use.
func SetComputeUnitLimit(units uint32) Instruction {
	e := &Encoder{}
	return Instruction{ProgramID: ComputeBudgetProgramID, Data: e.U8(2).U32(units).Bytes()}
}

// SetComputeUnitPrice sets the priority fee in micro-lamports per unit.
func SetComputeUnitPrice(microLamports uint64) Instruction {
	e := &Encoder{}
	return Instruction{ProgramID: ComputeBudgetProgramID, Data: e.U8(3).U64(microLamports).Bytes()}
}

// CreateTokenAccountIdempotent creates owner's associated token account
// for mint unless it already exists.
func CreateTokenAccountIdempotent(payer, owner, mint PublicKey) (Instruction, error) {
	ata, err := AssociatedTokenAddress(owner, mint)
	if err != nil {
		return Instruction{}, fmt.Errorf("chain: create token account: %w", err)
	}
	return Instruction{
		ProgramID: AssociatedTokenProgram,
		Accounts: []AccountMeta{
			signer(payer, true),
			writable(ata),
			readonly(owner),
			readonly(mint),
			readonly(SystemProgramID),
			readonly(TokenProgramID),
		},
		Data: []byte{1},
	}, nil
}
