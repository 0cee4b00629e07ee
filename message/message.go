// Package message defines the shared value types that flow across every
// GenVM boundary: the message a top-level call carries, the VM
// configuration a supervisor assembles for a spawn, and the small
// enumerations (entry kind, storage view) the rest of the system switches
// on.
package message

import (
	"time"

	"github.com/genlayerlabs/genvm/calldata"
	"github.com/holiman/uint256"
)

// EntryKind distinguishes the top-level call from a sandboxed sub-call or a
// consensus-stage (validator) frame.
type EntryKind uint8

const (
	EntryMain EntryKind = iota
	EntrySandbox
	EntryConsensusStage
)

func (k EntryKind) String() string {
	switch k {
	case EntryMain:
		return "main"
	case EntrySandbox:
		return "sandbox"
	case EntryConsensusStage:
		return "consensus_stage"
	default:
		return "unknown"
	}
}

// StorageView selects which storage snapshot a read observes.
type StorageView uint8

const (
	StorageDefault StorageView = iota
	StorageLatestFinal
	StorageLatestNonFinal
)

func (v StorageView) String() string {
	switch v {
	case StorageDefault:
		return "default"
	case StorageLatestFinal:
		return "latest_final"
	case StorageLatestNonFinal:
		return "latest_non_final"
	default:
		return "unknown"
	}
}

// Data is the message a top-level (or nested) call carries, per spec §3.
type Data struct {
	ContractAddress calldata.Address
	SenderAddress   calldata.Address
	OriginAddress   calldata.Address
	CallStack       []calldata.Address
	ChainID         string
	Value           *uint256.Int
	IsInit          bool
	Datetime        time.Time
	EntryKind       EntryKind
	EntryPayload    []byte
	EntryStageData  calldata.Value
}

// Capabilities is the set of permission flags a VM carries, per spec §3.
// A child VM's capabilities must always be a subset of its parent's.
type Capabilities struct {
	ReadStorage  bool
	WriteStorage bool
	SendMessages bool
	CallOthers   bool
	SpawnNondet  bool
}

// Subset reports whether c is a subset of parent (every capability c grants
// is also granted by parent). Used to assert the permission-monotonicity
// invariant when spawning children.
func (c Capabilities) Subset(parent Capabilities) bool {
	if c.ReadStorage && !parent.ReadStorage {
		return false
	}
	if c.WriteStorage && !parent.WriteStorage {
		return false
	}
	if c.SendMessages && !parent.SendMessages {
		return false
	}
	if c.CallOthers && !parent.CallOthers {
		return false
	}
	if c.SpawnNondet && !parent.SpawnNondet {
		return false
	}
	return true
}

// Intersect returns the capabilities allowed by both c and other — used to
// clamp a requested capability set (e.g. sandbox allow_write_ops) to what
// the caller itself is permitted.
func (c Capabilities) Intersect(other Capabilities) Capabilities {
	return Capabilities{
		ReadStorage:  c.ReadStorage && other.ReadStorage,
		WriteStorage: c.WriteStorage && other.WriteStorage,
		SendMessages: c.SendMessages && other.SendMessages,
		CallOthers:   c.CallOthers && other.CallOthers,
		SpawnNondet:  c.SpawnNondet && other.SpawnNondet,
	}
}

// Cleared returns the zero-value capability set, used when spawning the
// nondet leader VM (spec §4.H: "capabilities cleared").
func Cleared() Capabilities { return Capabilities{} }

// ABIVersion identifies the SDK ABI surface exposed to a guest module.
type ABIVersion uint32

// Config is the per-VM configuration spec §3 calls "VM configuration".
type Config struct {
	Deterministic bool
	Capabilities  Capabilities
	View          StorageView
	ABI           ABIVersion
	Sender        calldata.Address

	// EntryPayload is the calldata a spawned VM sees as its own message, per
	// spec §4.G/§4.H: a call_contract child runs against the calldata the
	// caller supplied, and a nondet leader/validator child each run against
	// their own distinct leader_data/validator_data payload — neither is the
	// top-level call's own calldata.
	EntryPayload []byte
	// EntryStageData is injected into a nondet validator child only: the
	// leader's already-computed outcome, made available to the validator's
	// guest code as spec §4.H's entry_stage_data.
	EntryStageData calldata.Value
}
