package message

import "testing"

func TestParseJSONMinimal(t *testing.T) {
	raw := []byte(`{
		"contract_address": "0x0101010101010101010101010101010101010101",
		"sender_address": "0x0202020202020202020202020202020202020202",
		"origin_address": "0x0202020202020202020202020202020202020202",
		"chain_id": "genlayer-testnet",
		"value": "0",
		"is_init": false,
		"datetime": "2026-07-31T00:00:00Z",
		"entry_kind": "main"
	}`)
	data, err := ParseJSON(raw)
	if err != nil {
		t.Fatalf("ParseJSON: %v", err)
	}
	if data.ContractAddress[0] != 0x01 {
		t.Fatalf("contract address not parsed: %x", data.ContractAddress)
	}
	if data.EntryKind != EntryMain {
		t.Fatalf("expected EntryMain, got %v", data.EntryKind)
	}
	if data.ChainID != "genlayer-testnet" {
		t.Fatalf("chain id not parsed: %q", data.ChainID)
	}
}

func TestParseJSONRejectsBadAddress(t *testing.T) {
	raw := []byte(`{"contract_address": "0xnotahexstring"}`)
	if _, err := ParseJSON(raw); err == nil {
		t.Fatalf("expected an error for a malformed address")
	}
}

func TestParseJSONRejectsUnknownEntryKind(t *testing.T) {
	raw := []byte(`{"entry_kind": "bogus"}`)
	if _, err := ParseJSON(raw); err == nil {
		t.Fatalf("expected an error for an unknown entry_kind")
	}
}
