// Package nondet implements the leader/validator two-phase protocol used to
// reach agreement on the output of a nondeterministic block: the first node
// to reach a given call index spawns a leader child VM over that block's own
// leader_data payload and posts its outcome; every other node (a validator)
// spawns a different child VM over the block's validator_data payload, with
// the leader's outcome injected as entry_stage_data, and casts a single-byte
// verdict comparing its own child's answer against the posted one. The
// overall shape — compute once, let everyone else check and commit — mirrors
// the teacher's snapshot/clone/commit idiom (revm_bridge/snapshot_clone.go):
// there a clone is computed speculatively and either committed or discarded;
// here a result is computed speculatively by one party and either agreed or
// disagreed by the rest.
package nondet

import (
	"fmt"
	"sync/atomic"

	"github.com/genlayerlabs/genvm/calldata"
	"github.com/genlayerlabs/genvm/hostrpc"
	"github.com/genlayerlabs/genvm/sdk"
)

// Verdict is the single byte a validator child returns after re-checking a
// leader's result.
type Verdict byte

const (
	VerdictAgree    Verdict = 16
	VerdictDisagree Verdict = 8
)

// verdictFromValue interprets a validator child's own "return" value as its
// verdict: anything other than the literal one-byte agree code is treated
// as disagreement, per the protocol's explicit fail-closed rule.
func verdictFromValue(v calldata.Value) Verdict {
	b, ok := v.(calldata.Bytes)
	if !ok || len(b) != 1 || Verdict(b[0]) != VerdictAgree {
		return VerdictDisagree
	}
	return VerdictAgree
}

// ErrValidatorDisagreement identifies the disagreement error class for
// callers that only need errors.Is, not the call index. Every concrete
// disagreement is a *DisagreementError; this sentinel only participates in
// equality checks through DisagreementError.Is.
var ErrValidatorDisagreement = fmt.Errorf("nondet: validator disagrees with leader result")

// DisagreementError reports that this node, acting as validator, cast a
// disagree verdict against the leader's posted outcome for CallIndex. Spec
// §7/§8 scenario 4 requires the resulting vm-error to name the call index
// that disagreed, not just the fact that some block did.
type DisagreementError struct {
	CallIndex uint64
}

func (e *DisagreementError) Error() string {
	return fmt.Sprintf("validator_disagrees: the call-index %d", e.CallIndex)
}

// Is lets errors.Is(err, ErrValidatorDisagreement) keep identifying the
// disagreement class regardless of which call index it carries.
func (e *DisagreementError) Is(target error) bool {
	return target == ErrValidatorDisagreement
}

// Runner implements sdk.NondetRunner against a live host connection. A
// single Runner is shared by every nondet call a contract instance makes,
// so the call indices it hands out are unique within that instance.
type Runner struct {
	host     hostrpc.Client
	sync     bool
	verdict  func(agree bool)
	indexSeq atomic.Uint64
}

// New returns a Runner bound to host.
func New(host hostrpc.Client) *Runner {
	return &Runner{host: host}
}

// NewSync returns a Runner that always takes the leader branch, skipping the
// host probe for an existing leader result entirely. This implements the
// executable's --sync flag (spec §6: "disables validator-branch behavior"),
// used when a node runs standalone without peers to validate against.
func NewSync(host hostrpc.Client) *Runner {
	return &Runner{host: host, sync: true}
}

// WithVerdictHook registers hook to be called once per validator-branch run
// with the verdict cast, for metrics. Returns r for chaining at construction
// time.
func (r *Runner) WithVerdictHook(hook func(agree bool)) *Runner {
	r.verdict = hook
	return r
}

// Run executes the leader/validator protocol for one nondet block. It
// assigns the block a fresh call index, then either spawns the leader child
// over leaderPayload or, as a validator, spawns a different child over
// validatorPayload with the leader's outcome injected as entry_stage_data.
func (r *Runner) Run(spawner sdk.NondetSpawner, leaderPayload, validatorPayload []byte) (calldata.Value, error) {
	// Call indices start at zero: the host keys leader outcomes by the
	// position of the nondet block within the call, not by a 1-based count.
	callIndex := r.indexSeq.Add(1) - 1
	if r.sync {
		return r.lead(callIndex, spawner, leaderPayload)
	}
	leaderResult, err := r.host.GetLeaderNondetResult(callIndex)
	if err == nil {
		return r.validate(callIndex, spawner, leaderResult, validatorPayload)
	}
	if !hostrpc.IsLeader(err) {
		return nil, err
	}
	return r.lead(callIndex, spawner, leaderPayload)
}

// lead spawns the leader child over payload, encodes its outcome, and posts
// it as the leader's result for callIndex.
func (r *Runner) lead(callIndex uint64, spawner sdk.NondetSpawner, payload []byte) (calldata.Value, error) {
	result, err := spawner.SpawnLeader(payload)
	if err != nil {
		return nil, err
	}
	encoded := calldata.Encode(result)
	if err := r.host.PostNondetResult(callIndex, encoded); err != nil {
		return nil, err
	}
	return result, nil
}

// validate spawns the validator child over payload with the leader's
// already-posted outcome injected as entry_stage_data, and inspects the
// child's own single-byte verdict. An agreement adopts the leader's outcome
// as this node's result; anything else is a disagreement, surfaced to the
// supervisor as the frame's vm-error. The verdict itself reaches the host
// inside the one structured outcome consume-result carries at the end of
// the top-level call — no extra host round trip happens here.
func (r *Runner) validate(callIndex uint64, spawner sdk.NondetSpawner, leaderEncoded []byte, payload []byte) (calldata.Value, error) {
	leaderValue, decodeErr := calldata.Decode(leaderEncoded)
	if decodeErr != nil {
		leaderValue = calldata.Null{}
	}

	verdictValue, err := spawner.SpawnValidator(payload, leaderValue)
	if err != nil {
		return nil, err
	}
	verdict := verdictFromValue(verdictValue)
	if r.verdict != nil {
		r.verdict(verdict == VerdictAgree)
	}
	if verdict != VerdictAgree {
		return nil, &DisagreementError{CallIndex: callIndex}
	}
	return leaderValue, nil
}
