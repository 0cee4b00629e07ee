package main

import (
	"testing"

	"github.com/genlayerlabs/genvm/calldata"
	"github.com/genlayerlabs/genvm/supervisor"
)

func TestParsePermissionsSubset(t *testing.T) {
	caps, err := parsePermissions("rw")
	if err != nil {
		t.Fatalf("parsePermissions: %v", err)
	}
	if !caps.ReadStorage || !caps.WriteStorage {
		t.Fatalf("expected read+write storage, got %+v", caps)
	}
	if caps.SendMessages || caps.CallOthers || caps.SpawnNondet {
		t.Fatalf("expected no other capabilities, got %+v", caps)
	}
}

func TestParsePermissionsRejectsUnknownFlag(t *testing.T) {
	if _, err := parsePermissions("rwx"); err == nil {
		t.Fatalf("expected an error for an unknown permission flag")
	}
}

func TestEncodeOutcomeReturn(t *testing.T) {
	result := &supervisor.Result{Outcome: supervisor.OutcomeReturn, Value: calldata.Null{}}
	bytes, fp := encodeOutcome(result)
	if len(bytes) == 0 {
		t.Fatalf("expected non-empty encoded result")
	}
	if fp != nil {
		t.Fatalf("expected no fingerprint on a normal return")
	}
}

func TestEncodeOutcomeTrapCarriesFingerprint(t *testing.T) {
	result := &supervisor.Result{Outcome: supervisor.OutcomeTrap, Message: "unreachable", Fingerprint: []byte{1, 2, 3}}
	_, fp := encodeOutcome(result)
	if len(fp) != 3 {
		t.Fatalf("expected the trap's fingerprint to pass through, got %v", fp)
	}
}
