package core

import (
	"math/big"
	"time"

	"BatchLedger/internal/auth"
	"BatchLedger/internal/event"
	"BatchLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// CommandKind selects the engine entry point a command runs through.
type CommandKind string

const (
	CommandBatch             CommandKind = "batch"
	CommandDeposit           CommandKind = "deposit"
	CommandRegisterSigner    CommandKind = "register_signer"
	CommandRemoveSigner      CommandKind = "remove_signer"
	CommandSetFlags          CommandKind = "set_flags"
	CommandInsuranceDeposit  CommandKind = "insurance_deposit"
	CommandInsuranceWithdraw CommandKind = "insurance_withdraw"
)

// Command is the unit of work applied atomically by the engine and the unit
// persisted to the command log. Replaying the log through Engine.Apply
// rebuilds state.
type Command struct {
	Kind   CommandKind    `json:"kind"`
	Caller common.Address `json:"caller"`

	Records      [][]byte                  `json:"records,omitempty"`
	Deposit      *DepositRequest           `json:"deposit,omitempty"`
	Registration *auth.RegistrationRequest `json:"registration,omitempty"`
	Consent      *auth.SignerConsent       `json:"consent,omitempty"`
	Removal      *RemovalRequest           `json:"removal,omitempty"`
	Flags        *Flags                    `json:"flags,omitempty"`
	Insurance    *InsuranceRequest         `json:"insurance,omitempty"`
}

// DedupKey identifies commands that must not be applied twice. Only
// deposits carry one: the custody reference of the observed transfer.
func (c Command) DedupKey() string {
	if c.Kind == CommandDeposit && c.Deposit != nil {
		return c.Deposit.Reference
	}
	return ""
}

// DepositRequest reports tokens received by custody. RawAmount is in the
// token's native decimals.
type DepositRequest struct {
	Account   common.Address `json:"account"`
	Asset     common.Address `json:"asset"`
	RawAmount *big.Int       `json:"raw_amount"`
	Reference string         `json:"reference"`
}

type RemovalRequest struct {
	Account common.Address `json:"account"`
	Signer  common.Address `json:"signer"`
}

// Flags are the admin-controlled feature switches.
type Flags struct {
	Paused             bool `json:"paused"`
	DepositsEnabled    bool `json:"deposits_enabled"`
	WithdrawalsEnabled bool `json:"withdrawals_enabled"`
}

// InsuranceRequest moves Amount (18D) of Asset into or out of the fund.
type InsuranceRequest struct {
	Asset  common.Address `json:"asset"`
	Amount *big.Int       `json:"amount"`
}

// Output is everything a committed command produced.
type Output struct {
	Sequence  int64
	BatchID   uuid.UUID
	Command   Command
	FirstTxID uint32
	NextTxID  uint32

	Events    []event.Event
	Envelopes []*event.EventEnvelope
	Journals  []ledger.Journal
	Effects   []Effect

	SoftFailures int
	StateHash    [32]byte
	// AppliedAt is wall-clock commit time. It is not part of the state hash.
	AppliedAt time.Time
}
