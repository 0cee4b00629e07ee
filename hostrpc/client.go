package hostrpc

import (
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/genlayerlabs/genvm/calldata"
	"github.com/genlayerlabs/genvm/message"
)

// Client is everything the supervisor, the SDK, and the nondet protocol need
// from the host. It is an interface so tests can substitute an in-memory
// double instead of dialing a real socket, per spec §8's literal scenarios.
type Client interface {
	GetCalldata() ([]byte, error)
	StorageRead(account calldata.Address, slot calldata.SlotID, index, length uint32) ([]byte, error)
	StorageWrite(slot calldata.SlotID, index uint32, data []byte) error
	GetCode(account calldata.Address, view message.StorageView) ([]byte, error)
	GetLockedSlots(account calldata.Address) ([]calldata.SlotID, error)
	GetUpgraders(account calldata.Address) ([]calldata.Address, error)
	ConsumeResult(result []byte, fingerprint []byte) error
	GetLeaderNondetResult(callIndex uint64) ([]byte, error)
	PostNondetResult(callIndex uint64, outcome []byte) error
	PostMessage(address calldata.Address, data []byte, metadata []byte) error
	DeployContract(data []byte, code []byte, metadata []byte) error
	EthCall(address calldata.Address, data []byte) ([]byte, error)
	EthSend(address calldata.Address, data []byte, metadata []byte) error
	ConsumeFuel(amount uint64) error
	GetBalance(address calldata.Address) (*big.Int, error)
	RemainingFuelAsGen() (uint64, error)
	Close() error
}

// SocketClient is the single-stream implementation described in spec §4.B:
// exactly one outstanding request at a time, held under one mutex.
type SocketClient struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial opens a host connection. addr is either "unix://<path>" or
// "host:port", matching the executable's --host flag (spec §6).
func Dial(addr string, timeout time.Duration) (*SocketClient, error) {
	const unixPrefix = "unix://"
	var (
		network, target string
	)
	if strings.HasPrefix(addr, unixPrefix) {
		network, target = "unix", strings.TrimPrefix(addr, unixPrefix)
	} else {
		network, target = "tcp", addr
	}
	conn, err := net.DialTimeout(network, target, timeout)
	if err != nil {
		return nil, fmt.Errorf("hostrpc: dial %s: %w", addr, err)
	}
	return &SocketClient{conn: conn}, nil
}

func (c *SocketClient) Close() error { return c.conn.Close() }

// call sends req, reads the error byte, and passes it to handle together
// with a frameReader positioned after it; handle reads the rest of the
// method-specific payload. c.mu is held for the whole exchange. A non-ok
// error byte is returned as an *Error without calling handle, except for
// get-leader-nondet-result, whose handle sees every code.
func (c *SocketClient) call(method Method, req []byte, handle func(code ErrorCode, r *frameReader) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.conn.Write(req); err != nil {
		return fmt.Errorf("hostrpc: write %v request: %w", method, err)
	}
	r := &frameReader{r: c.conn}
	code, err := r.errorCode()
	if err != nil {
		return err
	}
	if code != ErrOk && method != MethodGetLeaderNondetResult {
		return &Error{Method: method, Code: code}
	}
	return handle(code, r)
}

func (c *SocketClient) GetCalldata() ([]byte, error) {
	var out []byte
	err := c.call(MethodGetCalldata, newFrame(MethodGetCalldata).bytes(), func(_ ErrorCode, r *frameReader) error {
		b, err := r.blob()
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

func (c *SocketClient) StorageRead(account calldata.Address, slot calldata.SlotID, index, length uint32) ([]byte, error) {
	req := newFrame(MethodStorageRead).fixed(account[:]).fixed(slot[:]).u32(index).u32(length).bytes()
	var out []byte
	err := c.call(MethodStorageRead, req, func(_ ErrorCode, r *frameReader) error {
		b, err := r.fixed(int(length))
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

func (c *SocketClient) StorageWrite(slot calldata.SlotID, index uint32, data []byte) error {
	req := newFrame(MethodStorageWrite).fixed(slot[:]).u32(index).blob(data).bytes()
	return c.call(MethodStorageWrite, req, func(_ ErrorCode, _ *frameReader) error { return nil })
}

func (c *SocketClient) GetCode(account calldata.Address, view message.StorageView) ([]byte, error) {
	req := newFrame(MethodGetCode).fixed(account[:]).byteField(byte(view)).bytes()
	var out []byte
	err := c.call(MethodGetCode, req, func(_ ErrorCode, r *frameReader) error {
		// Indirected read of the "code" slot: a u32 length header followed
		// by the raw bytes, per spec §6.
		b, err := r.blob()
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

func (c *SocketClient) GetLockedSlots(account calldata.Address) ([]calldata.SlotID, error) {
	req := newFrame(MethodGetLockedSlots).fixed(account[:]).bytes()
	var out []calldata.SlotID
	err := c.call(MethodGetLockedSlots, req, func(_ ErrorCode, r *frameReader) error {
		n, err := r.u32()
		if err != nil {
			return err
		}
		out = make([]calldata.SlotID, 0, n)
		for i := uint32(0); i < n; i++ {
			b, err := r.fixed(32)
			if err != nil {
				return err
			}
			var s calldata.SlotID
			copy(s[:], b)
			out = append(out, s)
		}
		return nil
	})
	return out, err
}

func (c *SocketClient) GetUpgraders(account calldata.Address) ([]calldata.Address, error) {
	req := newFrame(MethodGetUpgraders).fixed(account[:]).bytes()
	var out []calldata.Address
	err := c.call(MethodGetUpgraders, req, func(_ ErrorCode, r *frameReader) error {
		n, err := r.u32()
		if err != nil {
			return err
		}
		out = make([]calldata.Address, 0, n)
		for i := uint32(0); i < n; i++ {
			b, err := r.fixed(20)
			if err != nil {
				return err
			}
			var a calldata.Address
			copy(a[:], b)
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

func (c *SocketClient) ConsumeResult(result []byte, fingerprint []byte) error {
	req := newFrame(MethodConsumeResult).blob(result).blob(fingerprint).bytes()
	return c.call(MethodConsumeResult, req, func(_ ErrorCode, _ *frameReader) error { return nil })
}

// GetLeaderNondetResult either returns the leader's serialized outcome, or
// returns an *Error wrapping ErrIAmLeader — that case is protocol state, not
// a failure, per spec §9, so callers must check hostrpc.IsLeader(err) before
// treating a non-nil error as fatal.
func (c *SocketClient) GetLeaderNondetResult(callIndex uint64) ([]byte, error) {
	req := newFrame(MethodGetLeaderNondetResult).u64(callIndex).bytes()
	var out []byte
	err := c.call(MethodGetLeaderNondetResult, req, func(code ErrorCode, r *frameReader) error {
		if code != ErrOk {
			return &Error{Method: MethodGetLeaderNondetResult, Code: code}
		}
		b, err := r.blob()
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

func (c *SocketClient) PostNondetResult(callIndex uint64, outcome []byte) error {
	req := newFrame(MethodPostNondetResult).u64(callIndex).blob(outcome).bytes()
	return c.call(MethodPostNondetResult, req, func(_ ErrorCode, _ *frameReader) error { return nil })
}

func (c *SocketClient) PostMessage(address calldata.Address, data []byte, metadata []byte) error {
	req := newFrame(MethodPostMessage).fixed(address[:]).blob(data).blob(metadata).bytes()
	return c.call(MethodPostMessage, req, func(_ ErrorCode, _ *frameReader) error { return nil })
}

func (c *SocketClient) DeployContract(data []byte, code []byte, metadata []byte) error {
	req := newFrame(MethodDeployContract).blob(data).blob(code).blob(metadata).bytes()
	return c.call(MethodDeployContract, req, func(_ ErrorCode, _ *frameReader) error { return nil })
}

func (c *SocketClient) EthCall(address calldata.Address, data []byte) ([]byte, error) {
	req := newFrame(MethodEthCall).fixed(address[:]).blob(data).bytes()
	var out []byte
	err := c.call(MethodEthCall, req, func(_ ErrorCode, r *frameReader) error {
		b, err := r.blob()
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

func (c *SocketClient) EthSend(address calldata.Address, data []byte, metadata []byte) error {
	req := newFrame(MethodEthSend).fixed(address[:]).blob(data).blob(metadata).bytes()
	return c.call(MethodEthSend, req, func(_ ErrorCode, _ *frameReader) error { return nil })
}

func (c *SocketClient) ConsumeFuel(amount uint64) error {
	req := newFrame(MethodConsumeFuel).u64(amount).bytes()
	return c.call(MethodConsumeFuel, req, func(_ ErrorCode, _ *frameReader) error { return nil })
}

func (c *SocketClient) GetBalance(address calldata.Address) (*big.Int, error) {
	req := newFrame(MethodGetBalance).fixed(address[:]).bytes()
	var out *big.Int
	err := c.call(MethodGetBalance, req, func(_ ErrorCode, r *frameReader) error {
		b, err := r.fixed(32)
		if err != nil {
			return err
		}
		out = new(big.Int).SetBytes(b)
		return nil
	})
	return out, err
}

func (c *SocketClient) RemainingFuelAsGen() (uint64, error) {
	req := newFrame(MethodRemainingFuelAsGen).bytes()
	var out uint64
	err := c.call(MethodRemainingFuelAsGen, req, func(_ ErrorCode, r *frameReader) error {
		v, err := r.u64()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
