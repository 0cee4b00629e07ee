package runner

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func manifestJSON(t *testing.T, actions []map[string]any) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{"actions": actions})
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	return string(data)
}

func TestLoadSimpleArchive(t *testing.T) {
	manifest := manifestJSON(t, []map[string]any{
		{"kind": "map-code", "target": "/contract/code"},
		{"kind": "set-env", "key": "LANG", "value": "en_US"},
		{"kind": "start-wasm", "name": "main", "path": "runtime.wasm"},
	})
	archive := buildZip(t, map[string]string{
		"runner.json":  manifest,
		"runtime.wasm": "\x00asmFAKE",
	})

	l := NewLoader(t.TempDir())
	img, err := l.Load(archive, FlavorDet, []byte("contract source"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := string(img.Files["/contract/code"]); got != "contract source" {
		t.Fatalf("map-code target = %q", got)
	}
	if img.Env["LANG"] != "en_US" {
		t.Fatalf("env LANG = %q", img.Env["LANG"])
	}
	if img.EntryName != "main" || string(img.EntryWasm) != "\x00asmFAKE" {
		t.Fatalf("entry = %q %q", img.EntryName, img.EntryWasm)
	}
}

func TestCondSeqGuardsByFlavor(t *testing.T) {
	manifest := manifestJSON(t, []map[string]any{
		{"kind": "cond-seq", "for": "det", "actions": []map[string]any{
			{"kind": "set-env", "key": "MODE", "value": "det"},
		}},
		{"kind": "cond-seq", "for": "nondet", "actions": []map[string]any{
			{"kind": "set-env", "key": "MODE", "value": "nondet"},
		}},
		{"kind": "start-wasm", "name": "main", "path": "runtime.wasm"},
	})
	archive := buildZip(t, map[string]string{
		"runner.json":  manifest,
		"runtime.wasm": "\x00asm",
	})

	l := NewLoader(t.TempDir())
	img, err := l.Load(archive, FlavorNondet, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img.Env["MODE"] != "nondet" {
		t.Fatalf("MODE = %q, want nondet", img.Env["MODE"])
	}
}

func TestSetEnvJoinsOnCollision(t *testing.T) {
	manifest := manifestJSON(t, []map[string]any{
		{"kind": "set-env", "key": "PATH", "value": "/a"},
		{"kind": "set-env", "key": "PATH", "value": "/b"},
		{"kind": "start-wasm", "name": "main", "path": "runtime.wasm"},
	})
	archive := buildZip(t, map[string]string{
		"runner.json":  manifest,
		"runtime.wasm": "\x00asm",
	})

	l := NewLoader(t.TempDir())
	img, err := l.Load(archive, FlavorDet, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img.Env["PATH"] != "/a:/b" {
		t.Fatalf("PATH = %q, want /a:/b", img.Env["PATH"])
	}
}

func TestSetArgsOnlyFirstWins(t *testing.T) {
	manifest := manifestJSON(t, []map[string]any{
		{"kind": "set-args", "args": []string{"one"}},
		{"kind": "set-args", "args": []string{"two"}},
		{"kind": "start-wasm", "name": "main", "path": "runtime.wasm"},
	})
	archive := buildZip(t, map[string]string{
		"runner.json":  manifest,
		"runtime.wasm": "\x00asm",
	})

	l := NewLoader(t.TempDir())
	img, err := l.Load(archive, FlavorDet, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(img.Args) != 1 || img.Args[0] != "one" {
		t.Fatalf("args = %v, want [one]", img.Args)
	}
}

func TestSetEnvAndArgsExpandPlaceholders(t *testing.T) {
	t.Setenv("GENVM_TEST_LOCALE", "en_US")
	manifest := manifestJSON(t, []map[string]any{
		{"kind": "set-env", "key": "LANG", "value": "${ENV[GENVM_TEST_LOCALE]}"},
		{"kind": "set-args", "args": []string{"main", "--chain=${chainId}"}},
		{"kind": "start-wasm", "name": "main", "path": "runtime.wasm"},
	})
	archive := buildZip(t, map[string]string{
		"runner.json":  manifest,
		"runtime.wasm": "\x00asm",
	})

	l := NewLoader(t.TempDir()).WithVars(map[string]string{"chainId": "gen-1"})
	img, err := l.Load(archive, FlavorDet, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img.Env["LANG"] != "en_US" {
		t.Fatalf("LANG = %q, want the process environment value", img.Env["LANG"])
	}
	if len(img.Args) != 2 || img.Args[1] != "--chain=gen-1" {
		t.Fatalf("args = %v, want the loader namespace substituted", img.Args)
	}
}

func TestSetEnvRejectsUnresolvedPlaceholder(t *testing.T) {
	manifest := manifestJSON(t, []map[string]any{
		{"kind": "set-env", "key": "X", "value": "${no_such_name}"},
		{"kind": "start-wasm", "name": "main", "path": "runtime.wasm"},
	})
	archive := buildZip(t, map[string]string{
		"runner.json":  manifest,
		"runtime.wasm": "\x00asm",
	})

	l := NewLoader(t.TempDir())
	if _, err := l.Load(archive, FlavorDet, nil); err == nil {
		t.Fatalf("expected an unresolved placeholder to fail assembly")
	}
}

func TestStartWasmMustBeLast(t *testing.T) {
	manifest := manifestJSON(t, []map[string]any{
		{"kind": "start-wasm", "name": "main", "path": "runtime.wasm"},
		{"kind": "set-env", "key": "X", "value": "Y"},
	})
	archive := buildZip(t, map[string]string{
		"runner.json":  manifest,
		"runtime.wasm": "\x00asm",
	})

	l := NewLoader(t.TempDir())
	if _, err := l.Load(archive, FlavorDet, nil); err == nil {
		t.Fatalf("expected error when start-wasm is not last")
	}
}

// The "nothing after start-wasm" rule holds over the fully-expanded tree: a
// start-wasm that is last within its own sub-sequence still forbids any
// sibling action that follows the sequence.
func TestStartWasmMustBeLastAcrossNesting(t *testing.T) {
	manifest := manifestJSON(t, []map[string]any{
		{"kind": "seq", "actions": []map[string]any{
			{"kind": "start-wasm", "name": "main", "path": "runtime.wasm"},
		}},
		{"kind": "set-env", "key": "X", "value": "Y"},
	})
	archive := buildZip(t, map[string]string{
		"runner.json":  manifest,
		"runtime.wasm": "\x00asm",
	})

	l := NewLoader(t.TempDir())
	if _, err := l.Load(archive, FlavorDet, nil); err == nil {
		t.Fatalf("expected error for an action after a nested start-wasm")
	}
}

// A start-wasm inside a dependency's tree likewise ends the depending
// runner's tree: trailing actions in the outer manifest are refused.
func TestStartWasmInsideDependsForbidsTrailingActions(t *testing.T) {
	runnersDir := t.TempDir()
	depManifest := manifestJSON(t, []map[string]any{
		{"kind": "start-wasm", "name": "cpython", "path": "cpython.wasm"},
	})
	depArchive := buildZip(t, map[string]string{
		"runner.json":  depManifest,
		"cpython.wasm": "\x00asmPY",
	})
	if err := os.WriteFile(filepath.Join(runnersDir, "py-genlayer:v1.zip"), depArchive, 0o644); err != nil {
		t.Fatalf("write dependency archive: %v", err)
	}

	manifest := manifestJSON(t, []map[string]any{
		{"kind": "depends", "id": "py-genlayer", "version": "v1"},
		{"kind": "set-env", "key": "X", "value": "Y"},
	})
	archive := buildZip(t, map[string]string{"runner.json": manifest})

	l := NewLoader(runnersDir)
	if _, err := l.Load(archive, FlavorDet, nil); err == nil {
		t.Fatalf("expected error for an action after a dependency's start-wasm")
	}
}

func TestMapFileDirectory(t *testing.T) {
	manifest := manifestJSON(t, []map[string]any{
		{"kind": "map-file", "source": "assets/", "target": "/guest/assets"},
		{"kind": "start-wasm", "name": "main", "path": "runtime.wasm"},
	})
	archive := buildZip(t, map[string]string{
		"runner.json":    manifest,
		"assets/a.txt":   "A",
		"assets/b/c.txt": "C",
		"runtime.wasm":   "\x00asm",
	})

	l := NewLoader(t.TempDir())
	img, err := l.Load(archive, FlavorDet, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(img.Files["/guest/assets/a.txt"]) != "A" {
		t.Fatalf("missing /guest/assets/a.txt: %v", img.Files)
	}
	if string(img.Files["/guest/assets/b/c.txt"]) != "C" {
		t.Fatalf("missing nested file: %v", img.Files)
	}
}

func TestDependsResolvesAndMemoizes(t *testing.T) {
	runnersDir := t.TempDir()
	depManifest := manifestJSON(t, []map[string]any{
		{"kind": "set-env", "key": "RUNTIME", "value": "py"},
		{"kind": "start-wasm", "name": "cpython", "path": "cpython.wasm"},
	})
	depArchive := buildZip(t, map[string]string{
		"runner.json":  depManifest,
		"cpython.wasm": "\x00asmPY",
	})
	if err := os.WriteFile(filepath.Join(runnersDir, "py-genlayer:v1.zip"), depArchive, 0o644); err != nil {
		t.Fatalf("write dependency archive: %v", err)
	}

	manifest := manifestJSON(t, []map[string]any{
		{"kind": "map-code", "target": "/contract/code"},
		{"kind": "depends", "id": "py-genlayer", "version": "v1"},
	})
	archive := buildZip(t, map[string]string{"runner.json": manifest})

	l := NewLoader(runnersDir)
	img, err := l.Load(archive, FlavorDet, []byte("print(1)"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img.Env["RUNTIME"] != "py" {
		t.Fatalf("RUNTIME = %q", img.Env["RUNTIME"])
	}
	if img.EntryName != "cpython" {
		t.Fatalf("entry name = %q", img.EntryName)
	}

	l.mu.Lock()
	_, cached := l.cache["py-genlayer:v1"]
	l.mu.Unlock()
	if !cached {
		t.Fatalf("expected dependency action tree to be memoized")
	}
}

func TestDependsRejectsLatestUnlessAllowed(t *testing.T) {
	runnersDir := t.TempDir()
	manifest := manifestJSON(t, []map[string]any{
		{"kind": "map-code", "target": "/contract/code"},
		{"kind": "depends", "id": "py-genlayer", "version": "latest"},
	})
	archive := buildZip(t, map[string]string{"runner.json": manifest})

	l := NewLoader(runnersDir)
	if _, err := l.Load(archive, FlavorDet, []byte("print(1)")); err == nil {
		t.Fatalf("expected :latest dependency to be rejected without --allow-latest")
	}

	depManifest := manifestJSON(t, []map[string]any{
		{"kind": "start-wasm", "name": "cpython", "path": "cpython.wasm"},
	})
	depArchive := buildZip(t, map[string]string{
		"runner.json":  depManifest,
		"cpython.wasm": "\x00asmPY",
	})
	if err := os.WriteFile(filepath.Join(runnersDir, "py-genlayer:latest.zip"), depArchive, 0o644); err != nil {
		t.Fatalf("write dependency archive: %v", err)
	}

	allowed := NewLoader(runnersDir).WithAllowLatest(true)
	if _, err := allowed.Load(archive, FlavorDet, []byte("print(1)")); err != nil {
		t.Fatalf("Load with allow-latest: %v", err)
	}
}

func TestSynthesizeRawWasm(t *testing.T) {
	code := append([]byte{0x00, 0x61, 0x73, 0x6d}, 0x01, 0x00, 0x00, 0x00)
	actions, err := Synthesize(code)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("got %d actions, want 2", len(actions))
	}
	if _, ok := actions[1].(StartWasm); !ok {
		t.Fatalf("last action = %T, want StartWasm", actions[1])
	}
}

func TestSynthesizeCommentPrefixedSource(t *testing.T) {
	code := []byte("# py-genlayer:v1.0.0\nprint('hi')\n")
	actions, err := Synthesize(code)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	dep, ok := actions[len(actions)-1].(Depends)
	if !ok {
		t.Fatalf("last action = %T, want Depends", actions[len(actions)-1])
	}
	if dep.ID != "py-genlayer" || dep.Version != "v1.0.0" {
		t.Fatalf("dependency = %+v", dep)
	}
}

func TestSynthesizeRejectsUnrecognizedSource(t *testing.T) {
	if _, err := Synthesize([]byte("not a recognized prefix")); err == nil {
		t.Fatalf("expected error for unrecognized source")
	}
}

func TestLoadInlineRawWasm(t *testing.T) {
	code := append([]byte{0x00, 0x61, 0x73, 0x6d}, 0x01, 0x00, 0x00, 0x00)
	l := NewLoader(t.TempDir())
	img, err := l.LoadInline(code, FlavorDet)
	if err != nil {
		t.Fatalf("LoadInline: %v", err)
	}
	if !bytes.Equal(img.EntryWasm, code) {
		t.Fatalf("entry wasm mismatch")
	}
}
