package runner

import (
	"bytes"
	"fmt"
	"strings"
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// commentPrefixes are the comment markers GenVM recognizes on the first line
// of a contract's source when the contract is plain text rather than a
// compiled wasm module.
var commentPrefixes = []string{"//", "#", "--"}

// synthesizedRuntimeName is the module name under which an inline-synthesized
// contract's own wasm is registered, when the contract is itself raw wasm.
const synthesizedRuntimeName = "contract"

// Synthesize builds an action tree for a contract that did not arrive with
// its own runner archive: either plain text naming a language runtime on its
// first comment line, or a raw wasm module to run directly.
//
// For the raw-wasm case it returns a map-code action placing the contract's
// own code at /contract/code.wasm plus a start-wasm action over it. For the comment-prefixed case it returns a map-code
// action placing the source at /contract/code plus a depends action on the
// runner named on the first line (format "<prefix> <id>:<version>").
func Synthesize(code []byte) ([]Action, error) {
	if bytes.HasPrefix(code, wasmMagic) {
		return []Action{
			MapCode{Target: "/contract/code.wasm"},
			StartWasm{Name: synthesizedRuntimeName, Path: "/contract/code.wasm"},
		}, nil
	}

	prefix, ok := matchCommentPrefix(code)
	if !ok {
		return nil, fmt.Errorf("runner: contract code is neither wasm nor a recognized comment-prefixed source")
	}

	firstLine := firstLineOf(code)
	spec := strings.TrimSpace(strings.TrimPrefix(firstLine, prefix))
	id, version, ok := strings.Cut(spec, ":")
	if !ok {
		return nil, fmt.Errorf("runner: first line %q does not name a runner as \"id:version\"", firstLine)
	}

	return []Action{
		MapCode{Target: "/contract/code"},
		Depends{ID: strings.TrimSpace(id), Version: strings.TrimSpace(version)},
	}, nil
}

func matchCommentPrefix(code []byte) (string, bool) {
	for _, p := range commentPrefixes {
		if bytes.HasPrefix(code, []byte(p)) {
			return p, true
		}
	}
	return "", false
}

func firstLineOf(code []byte) string {
	if i := bytes.IndexByte(code, '\n'); i >= 0 {
		return string(code[:i])
	}
	return string(code)
}

// LoadInline synthesizes an action tree for code with no runner archive of
// its own, then assembles it exactly as Load would for an explicit archive.
func (l *Loader) LoadInline(code []byte, flavor Flavor) (*Image, error) {
	actions, err := Synthesize(code)
	if err != nil {
		return nil, err
	}
	src := inlineSource{"/contract/code.wasm": code}
	return l.Assemble(actions, src, flavor, code)
}

// inlineSource backs a synthesized action tree: the only "file" it ever
// serves is the contract's own code, under the single path Synthesize wrote
// into its start-wasm action.
type inlineSource map[string][]byte

func (s inlineSource) readFile(name string) ([]byte, error) {
	data, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("runner: inline action tree referenced unknown file %q", name)
	}
	return data, nil
}

func (inlineSource) readDir(prefix string) (map[string][]byte, error) {
	return nil, fmt.Errorf("runner: inline action tree referenced archive directory %q", prefix)
}
