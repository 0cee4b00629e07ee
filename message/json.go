package message

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/genlayerlabs/genvm/calldata"
	"github.com/holiman/uint256"
)

// jsonData is the wire shape of the --message flag (spec §6): a plain JSON
// object with hex-encoded addresses and byte strings, decoded into Data.
type jsonData struct {
	ContractAddress string   `json:"contract_address"`
	SenderAddress   string   `json:"sender_address"`
	OriginAddress   string   `json:"origin_address"`
	CallStack       []string `json:"call_stack"`
	ChainID         string   `json:"chain_id"`
	Value           string   `json:"value"`
	IsInit          bool     `json:"is_init"`
	Datetime        string   `json:"datetime"`
	EntryKind       string   `json:"entry_kind"`
	EntryPayload    string   `json:"entry_payload"`
}

// ParseJSON decodes the --message flag's JSON payload into a Data value.
// EntryStageData is never carried on this flag (it is only ever injected by
// the supervisor itself when spawning a nondet validator, per spec §4.H),
// so it is left at its zero value here.
func ParseJSON(raw []byte) (Data, error) {
	var jd jsonData
	if err := json.Unmarshal(raw, &jd); err != nil {
		return Data{}, fmt.Errorf("message: parse json: %w", err)
	}

	contract, err := parseAddress(jd.ContractAddress)
	if err != nil {
		return Data{}, fmt.Errorf("message: contract_address: %w", err)
	}
	sender, err := parseAddress(jd.SenderAddress)
	if err != nil {
		return Data{}, fmt.Errorf("message: sender_address: %w", err)
	}
	origin, err := parseAddress(jd.OriginAddress)
	if err != nil {
		return Data{}, fmt.Errorf("message: origin_address: %w", err)
	}
	stack := make([]calldata.Address, 0, len(jd.CallStack))
	for i, s := range jd.CallStack {
		a, err := parseAddress(s)
		if err != nil {
			return Data{}, fmt.Errorf("message: call_stack[%d]: %w", i, err)
		}
		stack = append(stack, a)
	}

	value := new(uint256.Int)
	if jd.Value != "" {
		if err := value.SetFromDecimal(jd.Value); err != nil {
			return Data{}, fmt.Errorf("message: value: %w", err)
		}
	}

	var dt time.Time
	if jd.Datetime != "" {
		dt, err = time.Parse(time.RFC3339, jd.Datetime)
		if err != nil {
			return Data{}, fmt.Errorf("message: datetime: %w", err)
		}
	}

	kind, err := parseEntryKind(jd.EntryKind)
	if err != nil {
		return Data{}, err
	}

	var payload []byte
	if jd.EntryPayload != "" {
		payload, err = hex.DecodeString(strings.TrimPrefix(jd.EntryPayload, "0x"))
		if err != nil {
			return Data{}, fmt.Errorf("message: entry_payload: %w", err)
		}
	}

	return Data{
		ContractAddress: contract,
		SenderAddress:   sender,
		OriginAddress:   origin,
		CallStack:       stack,
		ChainID:         jd.ChainID,
		Value:           value,
		IsInit:          jd.IsInit,
		Datetime:        dt,
		EntryKind:       kind,
		EntryPayload:    payload,
	}, nil
}

func parseAddress(s string) (calldata.Address, error) {
	var a calldata.Address
	if s == "" {
		return a, nil
	}
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return a, err
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("expected %d bytes, got %d", len(a), len(b))
	}
	copy(a[:], b)
	return a, nil
}

func parseEntryKind(s string) (EntryKind, error) {
	switch s {
	case "", "main":
		return EntryMain, nil
	case "sandbox":
		return EntrySandbox, nil
	case "consensus_stage":
		return EntryConsensusStage, nil
	default:
		return 0, fmt.Errorf("message: unknown entry_kind %q", s)
	}
}
