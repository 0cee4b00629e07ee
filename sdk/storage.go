package sdk

import (
	"math/big"

	"github.com/genlayerlabs/genvm/calldata"
	"github.com/genlayerlabs/genvm/hostrpc"
	"github.com/genlayerlabs/genvm/message"
)

// storageGuard enforces the locked-slot and upgrader rules in front of the
// raw host storage calls: a slot named in the account's locked_slots list
// may only be written by an address present in that account's upgraders
// list, and any storage write at all requires the WriteStorage capability.
type storageGuard struct {
	host hostrpc.Client
	self calldata.Address
	caps message.Capabilities
	view message.StorageView
}

func (g *storageGuard) read(slot calldata.SlotID, index, length uint32) ([]byte, error) {
	if !g.caps.ReadStorage {
		return nil, fault(ErrnoForbidden, "storage reads are not permitted in this frame")
	}
	data, err := g.host.StorageRead(g.self, slot, index, length)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (g *storageGuard) write(caller calldata.Address, slot calldata.SlotID, index uint32, data []byte) error {
	if !g.caps.WriteStorage {
		return fault(ErrnoForbidden, "storage writes are not permitted in this frame")
	}
	locked, err := g.host.GetLockedSlots(g.self)
	if err != nil {
		return err
	}
	if isLockedSlot(locked, slot) {
		upgraders, err := g.host.GetUpgraders(g.self)
		if err != nil {
			return err
		}
		if !isUpgrader(upgraders, caller) {
			return fault(ErrnoForbidden, "slot is locked and caller is not a registered upgrader")
		}
	}
	return g.host.StorageWrite(slot, index, data)
}

func isLockedSlot(locked []calldata.SlotID, slot calldata.SlotID) bool {
	for _, s := range locked {
		if s == slot {
			return true
		}
	}
	return false
}

func isUpgrader(upgraders []calldata.Address, addr calldata.Address) bool {
	for _, u := range upgraders {
		if u == addr {
			return true
		}
	}
	return false
}

// StorageRead performs a self-scoped, capability-checked storage read, for
// the storage_read host import. spec §4.G registers storage_read as its own
// guest-facing import rather than funneling it through gl_call.
func (s *SDK) StorageRead(slot calldata.SlotID, index, length uint32) ([]byte, error) {
	if err := s.charge(costStorageBase + uint64(length)*costPerStorageByte); err != nil {
		return nil, s.noteErr(err)
	}
	data, err := s.storage.read(slot, index, length)
	if err != nil {
		return nil, s.noteErr(err)
	}
	return data, nil
}

// StorageWrite performs a self-scoped, locked-slot-checked storage write,
// for the storage_write host import. The frame's sender address is the
// "caller" storageGuard.write checks against the account's upgraders list
// when the target slot is locked.
func (s *SDK) StorageWrite(slot calldata.SlotID, index uint32, data []byte) error {
	if err := s.charge(costStorageBase + uint64(len(data))*costPerStorageByte); err != nil {
		return s.noteErr(err)
	}
	return s.noteErr(s.storage.write(s.sender, slot, index, data))
}

// Balance returns addr's balance (reduced by this frame's own emitted value
// when addr is the running contract itself), for the get_balance host
// import.
func (s *SDK) Balance(addr calldata.Address) (*big.Int, error) {
	if err := s.charge(costBalance); err != nil {
		return nil, s.noteErr(err)
	}
	return s.balanceOf(addr)
}

// SelfBalance is Balance(self), for the get_self_balance host import.
func (s *SDK) SelfBalance() (*big.Int, error) {
	if err := s.charge(costBalance); err != nil {
		return nil, s.noteErr(err)
	}
	return s.balanceOf(s.self)
}

// balanceOf returns an account's balance, reduced by any value this frame
// has already emitted via EthSend/CallContract against its own address —
// the host's ledger is only updated once the frame commits, so a
// self-balance check mid-frame must account for outgoing value the guest
// has already queued.
func (s *SDK) balanceOf(addr calldata.Address) (*big.Int, error) {
	bal, err := s.host.GetBalance(addr)
	if err != nil {
		return nil, err
	}
	if addr != s.self {
		return bal, nil
	}
	out := new(big.Int).Sub(bal, s.emittedValue)
	if out.Sign() < 0 {
		return nil, fault(ErrnoImbalance, "emitted value exceeds account balance")
	}
	return out, nil
}
