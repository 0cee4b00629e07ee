// Package hostrpctest provides an in-memory hostrpc.Client double so the
// supervisor, sdk, and nondet packages can exercise spec §8's literal
// end-to-end scenarios without a live host process.
package hostrpctest

import (
	"math/big"
	"sync"

	"github.com/genlayerlabs/genvm/calldata"
	"github.com/genlayerlabs/genvm/hostrpc"
	"github.com/genlayerlabs/genvm/message"
)

// Fake implements hostrpc.Client entirely in memory.
type Fake struct {
	mu sync.Mutex

	Calldata  []byte
	Code      map[calldata.Address][]byte
	Balances  map[calldata.Address]*big.Int
	Locked    map[calldata.Address][]calldata.SlotID
	Upgraders map[calldata.Address][]calldata.Address

	storage map[calldata.SlotID][]byte

	// Nondet: leader outcomes already posted, keyed by call index.
	LeaderResults map[uint64][]byte
	// IsLeaderFor lets a test record which call indices this node leads.
	// GetLeaderNondetResult does not consult it: it answers "i am leader"
	// for every call index that has no entry in LeaderResults.
	IsLeaderFor map[uint64]bool

	ConsumedFuel uint64
	Remaining    uint64

	Results []ConsumedResult
	Posted  []PostedMessage
}

type ConsumedResult struct {
	Result      []byte
	Fingerprint []byte
}

type PostedMessage struct {
	Address  calldata.Address
	Data     []byte
	Metadata []byte
}

// New returns an empty Fake with remaining fuel set to an arbitrarily large
// budget, ready for a test to populate further.
func New() *Fake {
	return &Fake{
		Code:          map[calldata.Address][]byte{},
		Balances:      map[calldata.Address]*big.Int{},
		Locked:        map[calldata.Address][]calldata.SlotID{},
		Upgraders:     map[calldata.Address][]calldata.Address{},
		storage:       map[calldata.SlotID][]byte{},
		LeaderResults: map[uint64][]byte{},
		IsLeaderFor:   map[uint64]bool{},
		Remaining:     1 << 40,
	}
}

func (f *Fake) GetCalldata() ([]byte, error) { return f.Calldata, nil }

func (f *Fake) StorageRead(_ calldata.Address, slot calldata.SlotID, index, length uint32) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := f.storage[slot]
	out := make([]byte, length)
	copy(out, sliceAt(buf, index, length))
	return out, nil
}

func (f *Fake) StorageWrite(slot calldata.SlotID, index uint32, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := f.storage[slot]
	need := int(index) + len(data)
	if need > len(buf) {
		grown := make([]byte, need)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[index:], data)
	f.storage[slot] = buf
	return nil
}

func sliceAt(buf []byte, index, length uint32) []byte {
	end := int(index) + int(length)
	if end > len(buf) {
		end = len(buf)
	}
	if int(index) > len(buf) {
		return nil
	}
	return buf[index:end]
}

func (f *Fake) GetCode(account calldata.Address, _ message.StorageView) ([]byte, error) {
	return f.Code[account], nil
}

func (f *Fake) GetLockedSlots(account calldata.Address) ([]calldata.SlotID, error) {
	return f.Locked[account], nil
}

func (f *Fake) GetUpgraders(account calldata.Address) ([]calldata.Address, error) {
	return f.Upgraders[account], nil
}

func (f *Fake) ConsumeResult(result []byte, fingerprint []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Results = append(f.Results, ConsumedResult{Result: result, Fingerprint: fingerprint})
	return nil
}

func (f *Fake) GetLeaderNondetResult(callIndex uint64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, ok := f.LeaderResults[callIndex]; ok {
		return res, nil
	}
	return nil, &hostrpc.Error{Method: hostrpc.MethodGetLeaderNondetResult, Code: hostrpc.ErrIAmLeader}
}

func (f *Fake) PostNondetResult(callIndex uint64, outcome []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LeaderResults[callIndex] = outcome
	return nil
}

func (f *Fake) PostMessage(address calldata.Address, data []byte, metadata []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Posted = append(f.Posted, PostedMessage{Address: address, Data: data, Metadata: metadata})
	return nil
}

func (f *Fake) DeployContract(data []byte, code []byte, metadata []byte) error { return nil }

func (f *Fake) EthCall(address calldata.Address, data []byte) ([]byte, error) { return nil, nil }

func (f *Fake) EthSend(address calldata.Address, data []byte, metadata []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Posted = append(f.Posted, PostedMessage{Address: address, Data: data, Metadata: metadata})
	return nil
}

func (f *Fake) ConsumeFuel(amount uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ConsumedFuel += amount
	return nil
}

func (f *Fake) GetBalance(address calldata.Address) (*big.Int, error) {
	if b, ok := f.Balances[address]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func (f *Fake) RemainingFuelAsGen() (uint64, error) { return f.Remaining, nil }

func (f *Fake) Close() error { return nil }
