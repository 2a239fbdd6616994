package core

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"BatchLedger/internal/auth"
	"BatchLedger/internal/event"
	"BatchLedger/internal/ledger"
	fpmath "BatchLedger/internal/math"
	"BatchLedger/internal/observability"
	"BatchLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Params are the venue-wide settings fixed at startup.
type Params struct {
	Domain       auth.Domain
	FeeRecipient common.Address
	// AltFeeAsset is the alternate asset orders may pay fees in. Zero
	// disables alternate-asset fees.
	AltFeeAsset common.Address
	Flags       Flags
}

// Dependencies are the external collaborators. Nil members fall back to
// safe defaults: ECDSA-only verification, no roles, swaps disabled.
type Dependencies struct {
	Verifier   auth.Verifier
	Roles      RoleChecker
	Swapper    CollateralSwapper
	FeeSources []FeeSource
	Metrics    *observability.Metrics
	Logger     *zerolog.Logger
}

// Engine is the batch dispatcher and the single writer of ledger state.
// Every command runs under one lock and either commits fully or leaves no
// trace; soft failures inside a batch are rolled back to the item.
type Engine struct {
	mu sync.Mutex

	params  Params
	markets *state.MarketRegistry

	balances  *ledger.BalanceTracker
	validator *ledger.InvariantValidator
	signers   *auth.SignerRegistry
	verifier  auth.Verifier
	withdraws *auth.NonceSet
	swaps     *auth.NonceSet
	insurance *state.InsuranceFund
	pools     *state.FeePools
	funding   *state.FundingManager
	txSeq     *TxSequencer
	hasher    *StateHasher
	filled    map[common.Hash]*big.Int
	flags     Flags

	roles      RoleChecker
	swapper    CollateralSwapper
	feeSources []FeeSource

	changes  *state.ChangeLog
	pending  *pendingOutput
	sequence int64 // last committed command
	eventSeq int64 // last assigned event sequence

	metrics *observability.Metrics
	log     zerolog.Logger
}

type pendingOutput struct {
	events   []event.Event
	journals []ledger.Journal
	effects  []Effect
	touched  map[ledger.AccountKey]struct{}
	applied  map[Opcode]int
	soft     map[Opcode]int
}

func newPendingOutput() *pendingOutput {
	return &pendingOutput{
		touched: make(map[ledger.AccountKey]struct{}),
		applied: make(map[Opcode]int),
		soft:    make(map[Opcode]int),
	}
}

func NewEngine(params Params, markets *state.MarketRegistry, deps Dependencies) *Engine {
	changes := state.NewChangeLog()

	verifier := deps.Verifier
	if verifier == nil {
		verifier = auth.NewDefaultChain(nil, nil)
	}
	roles := deps.Roles
	if roles == nil {
		roles = StaticRoles{}
	}
	logger := zerolog.Nop()
	if deps.Logger != nil {
		logger = *deps.Logger
	}

	balances := ledger.NewBalanceTracker()
	balances.SetRecorder(changes)
	signers := auth.NewSignerRegistry(params.Domain, verifier)
	signers.SetRecorder(changes)
	withdraws := auth.NewNonceSet("withdraw")
	withdraws.SetRecorder(changes)
	swaps := auth.NewNonceSet("swap")
	swaps.SetRecorder(changes)
	funding := state.NewFundingManager()
	funding.SetRecorder(changes)
	txSeq := NewTxSequencer()
	txSeq.SetRecorder(changes)

	return &Engine{
		params:     params,
		markets:    markets,
		balances:   balances,
		validator:  ledger.NewInvariantValidator(balances),
		signers:    signers,
		verifier:   verifier,
		withdraws:  withdraws,
		swaps:      swaps,
		insurance:  state.NewInsuranceFund(balances),
		pools:      state.NewFeePools(balances),
		funding:    funding,
		txSeq:      txSeq,
		hasher:     NewStateHasher(),
		filled:     make(map[common.Hash]*big.Int),
		flags:      params.Flags,
		roles:      roles,
		swapper:    deps.Swapper,
		feeSources: deps.FeeSources,
		changes:    changes,
		metrics:    deps.Metrics,
		log:        logger,
	}
}

// ProcessBatch applies an ordered batch of records. caller must hold
// RoleSequencer.
func (e *Engine) ProcessBatch(caller common.Address, records [][]byte) (*Output, error) {
	return e.Apply(Command{Kind: CommandBatch, Caller: caller, Records: records})
}

// Deposit credits tokens custody has received. caller must hold RoleCustodian.
func (e *Engine) Deposit(caller common.Address, req DepositRequest) (*Output, error) {
	return e.Apply(Command{Kind: CommandDeposit, Caller: caller, Deposit: &req})
}

// RegisterSigningWallet runs the signer handshake outside a batch.
func (e *Engine) RegisterSigningWallet(caller common.Address, req auth.RegistrationRequest, consent auth.SignerConsent) (*Output, error) {
	return e.Apply(Command{Kind: CommandRegisterSigner, Caller: caller, Registration: &req, Consent: &consent})
}

// RemoveSigningWallet revokes a delegate. Only the account itself may call it.
func (e *Engine) RemoveSigningWallet(caller, account, signer common.Address) (*Output, error) {
	return e.Apply(Command{Kind: CommandRemoveSigner, Caller: caller, Removal: &RemovalRequest{Account: account, Signer: signer}})
}

func (e *Engine) DepositInsuranceFund(caller, asset common.Address, amount *big.Int) (*Output, error) {
	return e.Apply(Command{Kind: CommandInsuranceDeposit, Caller: caller, Insurance: &InsuranceRequest{Asset: asset, Amount: amount}})
}

func (e *Engine) WithdrawInsuranceFund(caller, asset common.Address, amount *big.Int) (*Output, error) {
	return e.Apply(Command{Kind: CommandInsuranceWithdraw, Caller: caller, Insurance: &InsuranceRequest{Asset: asset, Amount: amount}})
}

// SetFlags replaces all feature switches at once. caller must hold RoleAdmin.
func (e *Engine) SetFlags(caller common.Address, flags Flags) (*Output, error) {
	return e.Apply(Command{Kind: CommandSetFlags, Caller: caller, Flags: &flags})
}

func (e *Engine) SetPaused(caller common.Address, paused bool) (*Output, error) {
	flags := e.Flags()
	flags.Paused = paused
	return e.SetFlags(caller, flags)
}

func (e *Engine) SetDepositsEnabled(caller common.Address, enabled bool) (*Output, error) {
	flags := e.Flags()
	flags.DepositsEnabled = enabled
	return e.SetFlags(caller, flags)
}

func (e *Engine) SetWithdrawalsEnabled(caller common.Address, enabled bool) (*Output, error) {
	flags := e.Flags()
	flags.WithdrawalsEnabled = enabled
	return e.SetFlags(caller, flags)
}

// Apply runs one command atomically. On error no state has changed.
func (e *Engine) Apply(cmd Command) (*Output, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	firstTx := e.txSeq.Current()
	e.pending = newPendingOutput()

	err := e.dispatchCommand(cmd)
	if err == nil {
		pending := e.pending
		var out *Output
		out, err = e.commit(cmd, firstTx)
		if err == nil {
			e.recordApplied(cmd, out, pending, time.Since(start))
			return out, nil
		}
	}

	e.changes.RevertTo(0)
	e.pending = nil
	e.recordRejected(cmd, err)
	return nil, err
}

func (e *Engine) dispatchCommand(cmd Command) error {
	txID := e.txSeq.Current()
	fail := func(op Opcode, err error) error {
		if err == nil {
			return nil
		}
		return wrapError(cmd.Kind, op, -1, txID, err)
	}

	switch cmd.Kind {
	case CommandBatch:
		// Batch records carry liquidations and insurance moves that are not
		// signed by the affected accounts; only the sequencer may submit them.
		if !e.roles.HasRole(RoleSequencer, cmd.Caller) {
			return fail(OpNone, fmt.Errorf("%w: %s is not %s", ErrMissingRole, cmd.Caller.Hex(), RoleSequencer))
		}
		return e.processBatch(cmd.Records)

	case CommandDeposit:
		if cmd.Deposit == nil {
			return fail(OpNone, fmt.Errorf("%w: missing deposit", ErrMalformedRecord))
		}
		return fail(OpNone, e.deposit(txID, cmd.Caller, cmd.Deposit))

	case CommandRegisterSigner:
		if cmd.Registration == nil || cmd.Consent == nil {
			return fail(OpAddSigningWallet, fmt.Errorf("%w: missing handshake half", ErrMalformedRecord))
		}
		if e.flags.Paused {
			return fail(OpAddSigningWallet, ErrPaused)
		}
		return fail(OpAddSigningWallet, e.addSigningWallet(txID, &AddSigningWallet{Request: *cmd.Registration, Consent: *cmd.Consent}))

	case CommandRemoveSigner:
		if cmd.Removal == nil {
			return fail(OpNone, fmt.Errorf("%w: missing removal", ErrMalformedRecord))
		}
		return fail(OpNone, e.removeSigningWallet(txID, cmd.Caller, cmd.Removal))

	case CommandSetFlags:
		if cmd.Flags == nil {
			return fail(OpNone, fmt.Errorf("%w: missing flags", ErrMalformedRecord))
		}
		return fail(OpNone, e.setFlags(txID, cmd.Caller, *cmd.Flags))

	case CommandInsuranceDeposit, CommandInsuranceWithdraw:
		op := OpDepositInsuranceFund
		if cmd.Kind == CommandInsuranceWithdraw {
			op = OpWithdrawInsuranceFund
		}
		if cmd.Insurance == nil || cmd.Insurance.Amount == nil {
			return fail(op, fmt.Errorf("%w: missing insurance request", ErrMalformedRecord))
		}
		if !e.roles.HasRole(RoleAdmin, cmd.Caller) {
			return fail(op, fmt.Errorf("%w: %s is not %s", ErrMissingRole, cmd.Caller.Hex(), RoleAdmin))
		}
		if op == OpDepositInsuranceFund {
			return fail(op, e.depositInsurance(txID, cmd.Insurance.Asset, cmd.Insurance.Amount))
		}
		return fail(op, e.withdrawInsurance(txID, cmd.Insurance.Asset, cmd.Insurance.Amount))

	default:
		return fail(OpNone, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Kind))
	}
}

func (e *Engine) processBatch(records [][]byte) error {
	if e.flags.Paused {
		return wrapError(CommandBatch, OpNone, -1, e.txSeq.Current(), ErrPaused)
	}
	if len(records) == 0 {
		return wrapError(CommandBatch, OpNone, -1, e.txSeq.Current(), ErrEmptyBatch)
	}

	for i, record := range records {
		op, txID, payload, err := DecodeHeader(record)
		if err != nil {
			return wrapError(CommandBatch, op, i, txID, err)
		}
		if err := e.txSeq.Expect(txID); err != nil {
			return wrapError(CommandBatch, op, i, txID, err)
		}
		operation, err := DecodeOperation(op, payload)
		if err != nil {
			return wrapError(CommandBatch, op, i, txID, err)
		}
		if err := e.execute(txID, operation); err != nil {
			return wrapError(CommandBatch, op, i, txID, err)
		}
		e.pending.applied[op]++
	}
	return nil
}

func (e *Engine) execute(txID uint32, op Operation) error {
	switch o := op.(type) {
	case *AddSigningWallet:
		return e.addSigningWallet(txID, o)
	case *MatchOrders:
		return e.matchOrders(txID, o)
	case *UpdateFundingRate:
		return e.updateFundingRate(txID, o)
	case *CoverLoss:
		return e.coverLoss(txID, o)
	case *Withdraw:
		return e.withdraw(txID, o)
	case *SwapCollateral:
		return e.swapCollateral(txID, o)
	case *DepositInsuranceFund:
		return e.depositInsurance(txID, o.Asset, o.Amount)
	case *WithdrawInsuranceFund:
		return e.withdrawInsurance(txID, o.Asset, o.Amount)
	case *ClaimFees:
		return e.claimFees(txID, o.Kind)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownOpcode, op)
	}
}

// softFail reverts a soft-policy item to mark and records its failure event.
// Errors outside the soft set, or from an opcode without soft policy, are
// returned unchanged and abort the batch.
func (e *Engine) softFail(mark int, op Opcode, err error, failure event.Event) error {
	if !op.Soft() || !isSoftFailure(err) {
		return err
	}
	e.changes.RevertTo(mark)
	e.emit(failure)
	e.pending.soft[op]++
	e.log.Debug().
		Str("opcode", op.String()).
		Uint32("tx_id", failure.TxID()).
		Err(err).
		Msg("soft failure")
	return nil
}

// --- Pending output (journaled so item rollbacks drop their output) ---

func (e *Engine) emit(evt event.Event) {
	p := e.pending
	n := len(p.events)
	p.events = append(p.events, evt)
	e.changes.Record(func() { p.events = p.events[:n] })
}

func (e *Engine) addEffect(eff Effect) {
	p := e.pending
	n := len(p.effects)
	p.effects = append(p.effects, eff)
	e.changes.Record(func() { p.effects = p.effects[:n] })
}

// applyBatch checks conservation and applies a journal batch to the ledger.
func (e *Engine) applyBatch(b *ledger.Batch) error {
	if len(b.Journals) == 0 {
		return nil
	}
	if err := e.validator.ValidateConservation(b); err != nil {
		return fmt.Errorf("unbalanced journal: %w", err)
	}
	if err := e.balances.ApplyBatch(b); err != nil {
		return err
	}

	p := e.pending
	n := len(p.journals)
	p.journals = append(p.journals, b.Journals...)
	e.changes.Record(func() { p.journals = p.journals[:n] })
	for _, key := range b.Touched() {
		p.touched[key] = struct{}{}
	}
	return nil
}

func (e *Engine) setFilled(hash common.Hash, v *big.Int) {
	prev, had := e.filled[hash]
	e.filled[hash] = v
	e.changes.Record(func() {
		if had {
			e.filled[hash] = prev
		} else {
			delete(e.filled, hash)
		}
	})
}

// --- Commit ---

func (e *Engine) commit(cmd Command, firstTx uint32) (*Output, error) {
	p := e.pending

	hashStart := time.Now()
	prevHash := e.hasher.GetPrevHash()
	nextTx := e.txSeq.Current()
	stateHash := e.hasher.ComputeHash(nextTx, StateDigest(e.balances, p.touched))
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	batchID := uuid.New()
	envelopes := make([]*event.EventEnvelope, 0, len(p.events))
	for i, evt := range p.events {
		env, err := event.Wrap(e.eventSeq+int64(i)+1, batchID, evt, stateHash)
		if err != nil {
			e.hasher.SetPrevHash(prevHash)
			return nil, wrapError(cmd.Kind, OpNone, -1, evt.TxID(), err)
		}
		envelopes = append(envelopes, env)
	}

	e.changes.Commit()
	e.sequence++
	e.eventSeq += int64(len(envelopes))
	e.pending = nil

	softFailures := 0
	for _, n := range p.soft {
		softFailures += n
	}

	return &Output{
		Sequence:     e.sequence,
		BatchID:      batchID,
		Command:      cmd,
		FirstTxID:    firstTx,
		NextTxID:     nextTx,
		Events:       p.events,
		Envelopes:    envelopes,
		Journals:     p.journals,
		Effects:      p.effects,
		SoftFailures: softFailures,
		StateHash:    stateHash,
		AppliedAt:    time.Now(),
	}, nil
}

func (e *Engine) recordApplied(cmd Command, out *Output, p *pendingOutput, dur time.Duration) {
	if e.metrics == nil {
		return
	}
	kind := string(cmd.Kind)
	e.metrics.BatchesApplied.WithLabelValues(kind).Inc()
	e.metrics.CommandDuration.WithLabelValues(kind).Observe(dur.Seconds())
	e.metrics.TxCounter.Set(float64(out.NextTxID))
	e.metrics.CommandSequence.Set(float64(out.Sequence))
	for _, j := range out.Journals {
		e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}
	for _, evt := range out.Events {
		e.metrics.CoreEvents.WithLabelValues(evt.EventType().String()).Inc()
		if claim, ok := evt.(*event.FeesClaimed); ok {
			e.metrics.FeesClaimed.WithLabelValues(claim.Kind).Inc()
		}
	}
	insurance := make(map[common.Address]struct{})
	for _, j := range out.Journals {
		for _, k := range [2]ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
			if k == state.InsuranceAccount(k.Asset) {
				insurance[k.Asset] = struct{}{}
			}
		}
	}
	for asset := range insurance {
		whole, _ := new(big.Float).Quo(new(big.Float).SetInt(e.insurance.Balance(asset)), big.NewFloat(1e18)).Float64()
		e.metrics.InsuranceFundBalance.WithLabelValues(asset.Hex()).Set(whole)
	}
	for op, n := range p.applied {
		e.metrics.OpsApplied.WithLabelValues(op.String()).Add(float64(n))
	}
	for op, n := range p.soft {
		e.metrics.OpsSoftFailed.WithLabelValues(op.String()).Add(float64(n))
	}
}

func (e *Engine) recordRejected(cmd Command, err error) {
	e.log.Warn().
		Str("kind", string(cmd.Kind)).
		Str("error_kind", KindOf(err).String()).
		Err(err).
		Msg("command rejected")
	if e.metrics != nil {
		e.metrics.BatchesRejected.WithLabelValues(string(cmd.Kind), KindOf(err).String()).Inc()
	}
}

// --- Reads ---

func (e *Engine) Balance(account, asset common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances.SpotBalance(account, asset)
}

// Position returns the size (product units) and quote (settlement asset) of
// an account's position.
func (e *Engine) Position(account common.Address, product uint8) (size, quote *big.Int, err error) {
	p, err := e.markets.Product(product)
	if err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	size, quote = e.balances.Position(account, product, p.SettlementAsset)
	return size, quote, nil
}

func (e *Engine) TotalBalance(asset common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances.TotalBalance(asset)
}

func (e *Engine) InsuranceFund(asset common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.insurance.Balance(asset)
}

func (e *Engine) FeePool(kind state.FeeKind, asset common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pools.Balance(kind, asset)
}

// IsSigningWallet implements auth.Oracle for collaborating modules.
func (e *Engine) IsSigningWallet(account, signer common.Address) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.signers.IsSigningWallet(account, signer)
}

func (e *Engine) TxCounter() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.txSeq.Current()
}

// TxIDRejections counts records refused for carrying a tx id below
// (stale) or above (gap) the counter since the engine started.
func (e *Engine) TxIDRejections() (stale, gaps int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.txSeq.Metrics()
	return m.Stale(), m.Gaps()
}

func (e *Engine) Flags() Flags {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flags
}

// Funding returns the last funding rate id and a product's cumulative funding.
func (e *Engine) Funding(product uint8) (uint64, *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.funding.LastID(), e.funding.Cumulative(product)
}

// FilledSize returns how much of a signed order (by digest) has been filled.
func (e *Engine) FilledSize(orderHash common.Hash) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.filled[orderHash]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (e *Engine) WithdrawNonceUsed(account common.Address, nonce uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.withdraws.IsUsed(account, nonce)
}

func (e *Engine) StateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.GetPrevHash()
}

// Sequence returns the sequence of the last committed command.
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// CheckConservation verifies the whole ledger sums to zero per unit.
func (e *Engine) CheckConservation() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	// The fund pays out only what it holds. Fee pools may dip below zero
	// through maker rebates, so they are not checked.
	for _, asset := range e.markets.Assets() {
		if err := e.balances.ValidateNonNegative(state.InsuranceAccount(asset.Address)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) Markets() *state.MarketRegistry { return e.markets }
func (e *Engine) Domain() auth.Domain            { return e.params.Domain }

// --- Helpers shared by the handlers ---

func (e *Engine) requireAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return ErrZeroAmount
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative amount %s", fpmath.ErrOutOfRange, amount)
	}
	return fpmath.CheckRange(amount)
}
