package sdk

import (
	"errors"

	"github.com/genlayerlabs/genvm/calldata"
	"github.com/genlayerlabs/genvm/message"
)

// maxEventTopics bounds emit_event's "topics" array, mirroring the LOG0-LOG4
// topic ceiling Ethereum-family logs use (spec §4.G: "at most N topics").
const maxEventTopics = 4

// Call dispatches one gl_call request, encoded as a calldata.Map whose
// "method" entry names the variant, and returns a file descriptor the guest
// reads the result from via fd_read (spec §4.G/§9). Every variant's outcome
// — a real value, or a Fault's errno encoded the same way a value would be —
// is materialized behind a handle rather than written straight into guest
// memory, so a worker-backed variant (web_render, web_request, exec_prompt*)
// can defer its own computation until the guest actually reads the file.
func (s *SDK) Call(req *calldata.Map) uint32 {
	if err := s.charge(costCallBase); err != nil {
		return s.resultFD(nil, err)
	}
	method, ok := getStr(req, "method")
	if !ok {
		return s.resultFD(nil, fault(ErrnoInval, "gl_call request is missing \"method\""))
	}

	switch method {
	case "eth_send":
		return s.resultFD(s.ethSend(req))
	case "eth_call":
		return s.resultFD(s.ethCall(req))
	case "call_contract":
		return s.resultFD(s.callContract(req))
	case "post_message":
		return s.resultFD(s.postMessage(req))
	case "deploy_contract":
		return s.resultFD(s.deployContract(req))
	case "emit_event":
		return s.resultFD(s.emitEvent(req))
	case "run_nondet":
		return s.resultFD(s.runNondet(req))
	case "sandbox":
		return s.resultFD(s.runSandbox(req))
	case "web_render":
		return s.lazyFD(func() (calldata.Value, error) { return s.webCall("web_render", req) })
	case "web_request":
		return s.lazyFD(func() (calldata.Value, error) { return s.webCall("web_request", req) })
	case "exec_prompt":
		return s.lazyFD(func() (calldata.Value, error) { return s.webCall("exec_prompt", req) })
	case "exec_prompt_template":
		return s.lazyFD(func() (calldata.Value, error) { return s.webCall("exec_prompt_template", req) })
	case "get_calldata":
		return s.resultFD(s.getCalldata(req))
	case "get_entry_stage_data":
		return s.resultFD(s.getEntryStageData(req))
	case "return":
		return s.resultFD(s.doReturn(req))
	case "rollback":
		return s.resultFD(s.doRollback(req))
	default:
		return s.resultFD(nil, fault(ErrnoInval, "unknown gl_call method "+method))
	}
}

// resultFD materializes an already-computed (value, error) pair as a ready
// file and returns its handle. A non-Fault error is also recorded as the
// frame's fatal failure so the supervisor terminates the frame.
func (s *SDK) resultFD(v calldata.Value, err error) uint32 {
	if err != nil {
		s.noteErr(err)
		return s.fds.alloc(readyFile(faultValue(err)))
	}
	return s.fds.alloc(readyFile(v))
}

// lazyFD registers compute behind a handle without running it: spec §9
// requires the first fd_read, not gl_call itself, to be the point a
// worker-backed call actually executes.
func (s *SDK) lazyFD(compute func() (calldata.Value, error)) uint32 {
	return s.fds.alloc(lazyFile(func() (calldata.Value, error) {
		v, err := compute()
		if err != nil {
			s.noteErr(err)
		}
		return v, err
	}))
}

// FaultFD materializes err as a ready file and returns its handle. Used by
// the host trampoline when a request can't even be decoded far enough to
// reach Call.
func (s *SDK) FaultFD(err error) uint32 {
	return s.fds.alloc(readyFile(faultValue(err)))
}

// ReadFD resolves fd's contents. ok is false for a handle this SDK instance
// never allocated. The first read of a lazily-backed fd is the point its
// deferred work actually runs.
func (s *SDK) ReadFD(fd uint32) ([]byte, bool) {
	v, ok := s.fds.get(fd)
	if !ok {
		return nil, false
	}
	f := v.(*futureFile)
	s.noteErr(s.charge(costFDRead))
	return f.resolve(), true
}

// CloseFD releases fd. Closing an unknown or already-closed handle is a
// no-op, matching close()'s usual semantics.
func (s *SDK) CloseFD(fd uint32) {
	s.fds.release(fd)
}

// faultValue encodes err as a one-entry map carrying the guest-visible
// errno, so every gl_call response — success or failure — is a decodable
// value behind the returned fd.
func faultValue(err error) calldata.Value {
	return calldata.NewMap(calldata.MapEntry{Key: "errno", Value: calldata.NewInt(int64(ErrnoOf(err)))})
}

func (s *SDK) requireCapability(ok bool, what string) error {
	if !ok {
		return fault(ErrnoForbidden, what+" is not permitted in this frame")
	}
	return nil
}

// chargeValue reads req's optional "value" entry, checks it against this
// frame's remaining self-balance, and — if it fits — accumulates it into
// emittedValue so a later check in the same frame sees the reduced balance.
// spec §8 scenario 6: a message whose value exceeds the sender's balance
// must return ErrnoImbalance and never reach the host.
func (s *SDK) chargeValue(req *calldata.Map) error {
	v, present := req.Get("value")
	if !present {
		return nil
	}
	i, ok := v.(calldata.Int)
	if !ok || i.Int == nil {
		return fault(ErrnoInval, "\"value\" must be an integer")
	}
	if i.Sign() < 0 {
		return fault(ErrnoInval, "\"value\" must be non-negative")
	}
	remaining, err := s.balanceOf(s.self)
	if err != nil {
		return err
	}
	if i.Cmp(remaining) > 0 {
		return fault(ErrnoImbalance, "message value exceeds remaining balance")
	}
	s.emittedValue.Add(s.emittedValue, i.Int)
	return nil
}

func (s *SDK) ethSend(req *calldata.Map) (calldata.Value, error) {
	if !s.deterministic {
		return nil, fault(ErrnoForbidden, "eth_send requires a deterministic frame")
	}
	if err := s.requireCapability(s.caps.SendMessages, "eth_send"); err != nil {
		return nil, err
	}
	addr, ok := getAddr(req, "address")
	if !ok {
		return nil, fault(ErrnoInval, "eth_send requires \"address\"")
	}
	if err := s.chargeValue(req); err != nil {
		return nil, err
	}
	data, _ := getBytes(req, "calldata")
	metadata, _ := getBytes(req, "metadata")
	if err := s.host.EthSend(addr, data, metadata); err != nil {
		return nil, err
	}
	return calldata.Null{}, nil
}

func (s *SDK) ethCall(req *calldata.Map) (calldata.Value, error) {
	if !s.deterministic {
		return nil, fault(ErrnoForbidden, "eth_call requires a deterministic frame")
	}
	if err := s.requireCapability(s.caps.CallOthers, "eth_call"); err != nil {
		return nil, err
	}
	addr, ok := getAddr(req, "address")
	if !ok {
		return nil, fault(ErrnoInval, "eth_call requires \"address\"")
	}
	data, _ := getBytes(req, "calldata")
	out, err := s.host.EthCall(addr, data)
	if err != nil {
		return nil, err
	}
	return calldata.Bytes(out), nil
}

// callContract spawns a deterministic, read-only child VM over the target
// contract's own code (spec §4.G) instead of forwarding to EthSend: the
// caller's write capability never propagates to the child, and the child's
// own "return" value — not a fire-and-forget acknowledgement — is what the
// guest gets back.
func (s *SDK) callContract(req *calldata.Map) (calldata.Value, error) {
	if !s.deterministic {
		return nil, fault(ErrnoForbidden, "call_contract requires a deterministic frame")
	}
	if err := s.requireCapability(s.caps.CallOthers, "call_contract"); err != nil {
		return nil, err
	}
	if s.caller == nil {
		return nil, fault(ErrnoForbidden, "call_contract is unavailable in this frame")
	}
	addr, ok := getAddr(req, "address")
	if !ok {
		return nil, fault(ErrnoInval, "call_contract requires \"address\"")
	}
	if err := s.chargeValue(req); err != nil {
		return nil, err
	}
	data, _ := getBytes(req, "calldata")
	view := s.view
	if stateVal, ok := req.Get("state"); ok {
		v, ok := decodeStorageView(stateVal)
		if !ok {
			return nil, fault(ErrnoInval, "call_contract \"state\" is not a recognized storage view")
		}
		view = v
	}
	return s.caller.Call(addr, view, data)
}

func (s *SDK) postMessage(req *calldata.Map) (calldata.Value, error) {
	if !s.deterministic {
		return nil, fault(ErrnoForbidden, "post_message requires a deterministic frame")
	}
	if err := s.requireCapability(s.caps.SendMessages, "post_message"); err != nil {
		return nil, err
	}
	addr, ok := getAddr(req, "address")
	if !ok {
		return nil, fault(ErrnoInval, "post_message requires \"address\"")
	}
	data, _ := getBytes(req, "data")
	metadata, _ := getBytes(req, "metadata")
	if err := s.host.PostMessage(addr, data, metadata); err != nil {
		return nil, err
	}
	return calldata.Null{}, nil
}

func (s *SDK) deployContract(req *calldata.Map) (calldata.Value, error) {
	if !s.deterministic {
		return nil, fault(ErrnoForbidden, "deploy_contract requires a deterministic frame")
	}
	if err := s.requireCapability(s.caps.SendMessages, "deploy_contract"); err != nil {
		return nil, err
	}
	if err := s.chargeValue(req); err != nil {
		return nil, err
	}
	data, _ := getBytes(req, "calldata")
	code, _ := getBytes(req, "code")
	metadata, _ := getBytes(req, "metadata")
	if err := s.host.DeployContract(data, code, metadata); err != nil {
		return nil, err
	}
	return calldata.Null{}, nil
}

// emitEvent validates the restricted shape spec §4.G requires of a log
// event — at most maxEventTopics topics, each exactly 32 bytes — before
// forwarding "topics"/"blob" to the host as a self-addressed post_message.
func (s *SDK) emitEvent(req *calldata.Map) (calldata.Value, error) {
	if !s.deterministic {
		return nil, fault(ErrnoForbidden, "emit_event requires a deterministic frame")
	}
	topicsVal, ok := req.Get("topics")
	if !ok {
		return nil, fault(ErrnoInval, "emit_event requires \"topics\"")
	}
	topicsArr, ok := topicsVal.(*calldata.Array)
	if !ok {
		return nil, fault(ErrnoInval, "emit_event \"topics\" must be an array")
	}
	if len(topicsArr.Items) > maxEventTopics {
		return nil, fault(ErrnoOverflow, "emit_event accepts at most 4 topics")
	}
	topics := make([]calldata.Value, 0, len(topicsArr.Items))
	for _, t := range topicsArr.Items {
		b, ok := t.(calldata.Bytes)
		if !ok || len(b) != 32 {
			return nil, fault(ErrnoInval, "emit_event topics must each be exactly 32 bytes")
		}
		topics = append(topics, b)
	}
	blob, _ := getBytes(req, "blob")
	event := calldata.NewMap(
		calldata.MapEntry{Key: "topics", Value: &calldata.Array{Items: topics}},
		calldata.MapEntry{Key: "blob", Value: calldata.Bytes(blob)},
	)
	if err := s.host.PostMessage(s.self, calldata.Encode(event), nil); err != nil {
		return nil, err
	}
	return calldata.Null{}, nil
}

// runNondet executes the leader/validator protocol over two distinct
// payloads (spec §4.H): leader_data runs as the leader child, and
// validator_data runs as the validator child with the leader's own outcome
// injected as entry_stage_data.
func (s *SDK) runNondet(req *calldata.Map) (calldata.Value, error) {
	if err := s.requireCapability(s.caps.SpawnNondet, "run_nondet"); err != nil {
		return nil, err
	}
	if s.nondet == nil || s.nondetSpawner == nil {
		return nil, fault(ErrnoForbidden, "nondeterministic calls are unavailable in this frame")
	}
	leaderData, ok := getBytes(req, "leader_data")
	if !ok {
		return nil, fault(ErrnoInval, "run_nondet requires \"leader_data\"")
	}
	validatorData, ok := getBytes(req, "validator_data")
	if !ok {
		return nil, fault(ErrnoInval, "run_nondet requires \"validator_data\"")
	}
	return s.nondet.Run(s.nondetSpawner, leaderData, validatorData)
}

// runSandbox spawns a child VM sharing the caller's determinism flag over
// the request's "data" payload. The child may read and make nested calls if
// the caller can; write and send capabilities require both allow_write_ops
// and the caller's own flags (spec §4.H).
func (s *SDK) runSandbox(req *calldata.Map) (calldata.Value, error) {
	if s.sandbox == nil {
		return nil, fault(ErrnoForbidden, "sandboxed calls are unavailable in this frame")
	}
	entry, ok := req.Get("data")
	if !ok {
		return nil, fault(ErrnoInval, "sandbox requires \"data\"")
	}
	allowWrite := false
	if v, ok := req.Get("allow_write_ops"); ok {
		b, isBool := v.(calldata.Bool)
		allowWrite = isBool && bool(b)
	}
	childCaps := message.Capabilities{
		ReadStorage: true,
		CallOthers:  true,
		SpawnNondet: true,
	}
	if allowWrite {
		childCaps.WriteStorage = true
		childCaps.SendMessages = true
	}
	return s.sandbox.Spawn(childCaps.Intersect(s.caps), entry)
}

func (s *SDK) webCall(kind string, req *calldata.Map) (calldata.Value, error) {
	if s.deterministic {
		return nil, fault(ErrnoForbidden, kind+" is forbidden in a deterministic frame")
	}
	if s.worker == nil {
		return nil, fault(ErrnoForbidden, kind+" worker is unavailable")
	}
	payload, _ := getBytes(req, "payload")
	if err := s.charge(costWorkerBase + uint64(len(payload))*costPerWorkerByte); err != nil {
		return nil, err
	}
	out, err := s.worker.Call(kind, payload)
	if err != nil {
		// A worker-reported user error is forwarded to the guest; anything
		// else (transport failure, worker fatal-error) is a VM fault.
		var ue WorkerUserError
		if errors.As(err, &ue) {
			return calldata.NewMap(
				calldata.MapEntry{Key: "user_error", Value: calldata.Str(ue.WorkerUserError())},
			), nil
		}
		return nil, err
	}
	return calldata.Bytes(out), nil
}

// getCalldata returns the payload this VM instance was spawned with — the
// top-level message's own calldata, a call_contract child's forwarded
// calldata, or a nondet child's leader_data/validator_data.
func (s *SDK) getCalldata(_ *calldata.Map) (calldata.Value, error) {
	return calldata.Bytes(s.entryPayload), nil
}

// getEntryStageData returns the value injected into a nondet validator
// child (spec §4.H's entry_stage_data), or Null for any other frame.
func (s *SDK) getEntryStageData(_ *calldata.Map) (calldata.Value, error) {
	if s.entryStageData == nil {
		return calldata.Null{}, nil
	}
	return s.entryStageData, nil
}

func (s *SDK) doReturn(req *calldata.Map) (calldata.Value, error) {
	value, _ := req.Get("value")
	s.pendingResult = value
	return calldata.Null{}, nil
}

func (s *SDK) doRollback(req *calldata.Map) (calldata.Value, error) {
	msg, _ := getStr(req, "message")
	s.rolledBack = true
	s.rollbackMsg = msg
	return calldata.Null{}, nil
}

func getStr(m *calldata.Map, key string) (string, bool) {
	v, ok := m.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(calldata.Str)
	return string(s), ok
}

func getBytes(m *calldata.Map, key string) ([]byte, bool) {
	v, ok := m.Get(key)
	if !ok {
		return nil, false
	}
	b, ok := v.(calldata.Bytes)
	return []byte(b), ok
}

func getAddr(m *calldata.Map, key string) (calldata.Address, bool) {
	v, ok := m.Get(key)
	if !ok {
		return calldata.Address{}, false
	}
	a, ok := v.(calldata.Addr)
	return calldata.Address(a), ok
}

// decodeStorageView maps call_contract's optional "state" field onto a
// message.StorageView, rejecting anything outside the enum's known range.
func decodeStorageView(v calldata.Value) (message.StorageView, bool) {
	i, ok := v.(calldata.Int)
	if !ok || i.Int == nil || !i.IsInt64() {
		return 0, false
	}
	n := i.Int64()
	if n < 0 || n > int64(message.StorageLatestNonFinal) {
		return 0, false
	}
	return message.StorageView(n), true
}
