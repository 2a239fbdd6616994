package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"BatchLedger/internal/auth"
	"BatchLedger/internal/core"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrInvalidPayload marks a message that can never be applied, no matter
// how often it is redelivered.
var ErrInvalidPayload = errors.New("invalid payload")

// --- JSON wire formats ---
// Producers publish snake_case JSON. Binary records travel as 0x-prefixed
// hex so operators can read them off the stream.

type batchJSON struct {
	Records []hexutil.Bytes `json:"records"`
}

type depositJSON struct {
	Account   string `json:"account"`
	Asset     string `json:"asset"`
	RawAmount string `json:"raw_amount"`
	Reference string `json:"reference"`
}

type registrationJSON struct {
	Account    string        `json:"account"`
	Signer     string        `json:"signer"`
	Message    string        `json:"message"`
	Nonce      uint64        `json:"nonce"`
	AccountSig hexutil.Bytes `json:"account_sig"`
	SignerSig  hexutil.Bytes `json:"signer_sig"`
}

type removalJSON struct {
	Account string `json:"account"`
	Signer  string `json:"signer"`
}

type insuranceJSON struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// ParseCommand decodes a message of the given kind. caller is the identity
// the transport authenticated, not a field of the payload.
func ParseCommand(kind core.CommandKind, caller common.Address, data []byte) (core.Command, error) {
	switch kind {
	case core.CommandBatch:
		return ParseBatch(caller, data)
	case core.CommandDeposit:
		return ParseDeposit(caller, data)
	case core.CommandRegisterSigner:
		return parseRegistration(caller, data)
	case core.CommandRemoveSigner:
		return parseRemoval(caller, data)
	case core.CommandSetFlags:
		return parseFlags(caller, data)
	case core.CommandInsuranceDeposit, core.CommandInsuranceWithdraw:
		return parseInsurance(kind, caller, data)
	default:
		return core.Command{}, fmt.Errorf("%w: unknown command kind %q", ErrInvalidPayload, kind)
	}
}

// ParseBatch decodes {"records": ["0x..", ...]} into a batch command
// submitted by caller. Record contents are validated by the engine, not here.
func ParseBatch(caller common.Address, data []byte) (core.Command, error) {
	var j batchJSON
	if err := decodeStrict(data, &j); err != nil {
		return core.Command{}, fmt.Errorf("parse batch: %w", err)
	}
	if len(j.Records) == 0 {
		return core.Command{}, fmt.Errorf("%w: batch has no records", ErrInvalidPayload)
	}
	records := make([][]byte, len(j.Records))
	for i, r := range j.Records {
		records[i] = r
	}
	return core.Command{Kind: core.CommandBatch, Caller: caller, Records: records}, nil
}

// ParseDeposit decodes a custody deposit notification.
func ParseDeposit(caller common.Address, data []byte) (core.Command, error) {
	var j depositJSON
	if err := decodeStrict(data, &j); err != nil {
		return core.Command{}, fmt.Errorf("parse deposit: %w", err)
	}
	account, err := parseAddress("account", j.Account)
	if err != nil {
		return core.Command{}, err
	}
	asset, err := parseAddress("asset", j.Asset)
	if err != nil {
		return core.Command{}, err
	}
	amount, err := parsePositive("raw_amount", j.RawAmount)
	if err != nil {
		return core.Command{}, err
	}
	if strings.TrimSpace(j.Reference) == "" {
		return core.Command{}, fmt.Errorf("%w: deposit reference is required", ErrInvalidPayload)
	}

	return core.Command{
		Kind:   core.CommandDeposit,
		Caller: caller,
		Deposit: &core.DepositRequest{
			Account:   account,
			Asset:     asset,
			RawAmount: amount,
			Reference: j.Reference,
		},
	}, nil
}

func parseRegistration(caller common.Address, data []byte) (core.Command, error) {
	var j registrationJSON
	if err := decodeStrict(data, &j); err != nil {
		return core.Command{}, fmt.Errorf("parse registration: %w", err)
	}
	account, err := parseAddress("account", j.Account)
	if err != nil {
		return core.Command{}, err
	}
	signer, err := parseAddress("signer", j.Signer)
	if err != nil {
		return core.Command{}, err
	}
	return core.Command{
		Kind:   core.CommandRegisterSigner,
		Caller: caller,
		Registration: &auth.RegistrationRequest{
			Account:    account,
			Signer:     signer,
			Message:    j.Message,
			Nonce:      j.Nonce,
			AccountSig: j.AccountSig,
		},
		Consent: &auth.SignerConsent{
			Signer:    signer,
			Account:   account,
			SignerSig: j.SignerSig,
		},
	}, nil
}

func parseRemoval(caller common.Address, data []byte) (core.Command, error) {
	var j removalJSON
	if err := decodeStrict(data, &j); err != nil {
		return core.Command{}, fmt.Errorf("parse removal: %w", err)
	}
	account, err := parseAddress("account", j.Account)
	if err != nil {
		return core.Command{}, err
	}
	signer, err := parseAddress("signer", j.Signer)
	if err != nil {
		return core.Command{}, err
	}
	return core.Command{
		Kind:    core.CommandRemoveSigner,
		Caller:  caller,
		Removal: &core.RemovalRequest{Account: account, Signer: signer},
	}, nil
}

func parseFlags(caller common.Address, data []byte) (core.Command, error) {
	var flags core.Flags
	if err := decodeStrict(data, &flags); err != nil {
		return core.Command{}, fmt.Errorf("parse flags: %w", err)
	}
	return core.Command{Kind: core.CommandSetFlags, Caller: caller, Flags: &flags}, nil
}

func parseInsurance(kind core.CommandKind, caller common.Address, data []byte) (core.Command, error) {
	var j insuranceJSON
	if err := decodeStrict(data, &j); err != nil {
		return core.Command{}, fmt.Errorf("parse insurance: %w", err)
	}
	asset, err := parseAddress("asset", j.Asset)
	if err != nil {
		return core.Command{}, err
	}
	amount, err := parsePositive("amount", j.Amount)
	if err != nil {
		return core.Command{}, err
	}
	return core.Command{
		Kind:      kind,
		Caller:    caller,
		Insurance: &core.InsuranceRequest{Asset: asset, Amount: amount},
	}, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s is not an address: %q", ErrInvalidPayload, field, s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: %s is the zero address", ErrInvalidPayload, field)
	}
	return addr, nil
}

// parsePositive reads a base-10 integer string. Amounts are strings on the
// wire because they routinely exceed 2^53.
func parsePositive(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an integer: %q", ErrInvalidPayload, field, s)
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s must be positive", ErrInvalidPayload, field)
	}
	return v, nil
}
