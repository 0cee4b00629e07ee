package runner

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/genlayerlabs/genvm/internal/tmpl"
)

// source is the minimal read surface Assemble needs from an archive: either
// a real zip.Reader or the single-file inlineSource built by LoadInline.
type source interface {
	// readFile returns the full contents of name, or an error if absent.
	readFile(name string) ([]byte, error)
	// readDir returns every file under prefix, keyed by its path relative to
	// prefix, for a map-file action whose source ends in "/".
	readDir(prefix string) (map[string][]byte, error)
}

type zipSource struct {
	files map[string][]byte
}

func newZipSource(data []byte) (*zipSource, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("runner: open archive: %w", err)
	}
	files := make(map[string][]byte, len(r.File))
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("runner: open %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("runner: read %s: %w", f.Name, err)
		}
		files[f.Name] = data
	}
	return &zipSource{files: files}, nil
}

func (s *zipSource) readFile(name string) ([]byte, error) {
	data, ok := s.files[name]
	if !ok {
		return nil, fmt.Errorf("runner: archive has no file %q", name)
	}
	return data, nil
}

func (s *zipSource) readDir(prefix string) (map[string][]byte, error) {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	out := map[string][]byte{}
	for name, data := range s.files {
		if strings.HasPrefix(name, prefix) {
			out[strings.TrimPrefix(name, prefix)] = data
		}
	}
	return out, nil
}

// Image is the resolved product of walking a runner's action tree: the
// guest filesystem, environment, arguments, linked modules, and the single
// entrypoint, ready for a supervisor to instantiate.
type Image struct {
	Files      map[string][]byte
	Env        map[string]string
	Args       []string
	argsSet    bool
	LinkedWasm map[string][]byte
	EntryName  string
	EntryWasm  []byte
}

func newImage() *Image {
	return &Image{
		Files:      map[string][]byte{},
		Env:        map[string]string{},
		LinkedWasm: map[string][]byte{},
	}
}

// Loader resolves `depends` actions against a directory of `<id>:<version>.zip`
// runner archives, memoizing each dependency's parsed action tree so a
// runner depended on by many contracts has its runner.json parsed once. The
// archive itself is still read and unzipped on every resolve.
type Loader struct {
	runnersDir  string
	allowLatest bool
	vars        map[string]string

	mu    sync.Mutex
	cache map[string][]Action
}

// NewLoader returns a Loader resolving `depends` actions against runnersDir.
// `:latest`/`:test` dependency versions are rejected unless AllowLatest is
// set, matching the executable's --allow-latest flag (spec §6).
func NewLoader(runnersDir string) *Loader {
	return &Loader{runnersDir: runnersDir, cache: map[string][]Action{}}
}

// WithAllowLatest toggles whether `:latest`/`:test` dependency versions
// resolve at all. Returns l for chaining at construction time.
func (l *Loader) WithAllowLatest(allow bool) *Loader {
	l.allowLatest = allow
	return l
}

// WithVars supplies the loader namespace for `${name}` placeholders in
// set-env and set-args action values; `${ENV[NAME]}` placeholders always
// resolve against the process environment regardless. Returns l for
// chaining at construction time.
func (l *Loader) WithVars(vars map[string]string) *Loader {
	l.vars = vars
	return l
}

func (l *Loader) expand(s string) (string, error) {
	return tmpl.Expand(s, tmpl.ResolverFunc(func(name string) (string, bool) {
		v, ok := l.vars[name]
		return v, ok
	}))
}

func dependencyKey(d Depends) string {
	return d.ID + ":" + d.Version
}

func (l *Loader) resolve(d Depends) ([]Action, source, error) {
	if !l.allowLatest && (d.Version == "latest" || d.Version == "test") {
		return nil, nil, fmt.Errorf("runner: dependency %s:%s requires --allow-latest", d.ID, d.Version)
	}

	key := dependencyKey(d)
	l.mu.Lock()
	cached, ok := l.cache[key]
	l.mu.Unlock()

	zipPath := path.Join(l.runnersDir, key+".zip")
	data, err := readFileFn(zipPath)
	if err != nil {
		return nil, nil, fmt.Errorf("runner: resolve dependency %s: %w", key, err)
	}
	src, err := newZipSource(data)
	if err != nil {
		return nil, nil, err
	}
	if ok {
		return cached, src, nil
	}

	manifest, err := src.readFile("runner.json")
	if err != nil {
		return nil, nil, fmt.Errorf("runner: dependency %s: %w", key, err)
	}
	actions, err := ParseActionTree(manifest)
	if err != nil {
		return nil, nil, fmt.Errorf("runner: dependency %s: %w", key, err)
	}
	l.mu.Lock()
	l.cache[key] = actions
	l.mu.Unlock()
	return actions, src, nil
}

// readFileFn is a package variable so tests can stub filesystem access
// without touching a real runners directory.
var readFileFn = defaultReadFile

// Load parses a top-level runner archive (zip bytes containing runner.json)
// and assembles it into an Image for the given engine flavor. code is the
// contract's own bytecode, substituted wherever a map-code action appears.
func (l *Loader) Load(archive []byte, flavor Flavor, code []byte) (*Image, error) {
	src, err := newZipSource(archive)
	if err != nil {
		return nil, err
	}
	manifest, err := src.readFile("runner.json")
	if err != nil {
		return nil, fmt.Errorf("runner: missing runner.json: %w", err)
	}
	actions, err := ParseActionTree(manifest)
	if err != nil {
		return nil, err
	}
	return l.Assemble(actions, src, flavor, code)
}

// Assemble walks actions against src, resolving any nested `depends` actions
// through l, and returns the resulting Image.
func (l *Loader) Assemble(actions []Action, src source, flavor Flavor, code []byte) (*Image, error) {
	img := newImage()
	if err := l.walk(img, actions, src, flavor, code); err != nil {
		return nil, err
	}
	if img.EntryWasm == nil {
		return nil, fmt.Errorf("runner: action tree has no start-wasm action")
	}
	return img, nil
}

func (l *Loader) walk(img *Image, actions []Action, src source, flavor Flavor, code []byte) error {
	for _, a := range actions {
		// start-wasm ends the whole tree: any action after it, at any
		// nesting depth and across depends boundaries, is refused.
		if img.EntryWasm != nil {
			return fmt.Errorf("runner: action %T after start-wasm %q", a, img.EntryName)
		}
		switch act := a.(type) {
		case MapFile:
			if err := applyMapFile(img, src, act); err != nil {
				return err
			}
		case MapCode:
			img.Files[act.Target] = code
		case SetEnv:
			value, err := l.expand(act.Value)
			if err != nil {
				return err
			}
			if existing, ok := img.Env[act.Key]; ok {
				img.Env[act.Key] = existing + ":" + value
			} else {
				img.Env[act.Key] = value
			}
		case SetArgs:
			if !img.argsSet {
				args := make([]string, len(act.Args))
				for j, a := range act.Args {
					expanded, err := l.expand(a)
					if err != nil {
						return err
					}
					args[j] = expanded
				}
				img.Args = args
				img.argsSet = true
			}
		case LinkWasm:
			data, err := src.readFile(act.Path)
			if err != nil {
				return err
			}
			img.LinkedWasm[act.Name] = data
		case StartWasm:
			data, err := src.readFile(act.Path)
			if err != nil {
				return err
			}
			img.EntryName = act.Name
			img.EntryWasm = data
		case Seq:
			if err := l.walk(img, act.Actions, src, flavor, code); err != nil {
				return err
			}
		case CondSeq:
			if act.For == flavor {
				if err := l.walk(img, act.Actions, src, flavor, code); err != nil {
					return err
				}
			}
		case Depends:
			depActions, depSrc, err := l.resolve(act)
			if err != nil {
				return err
			}
			if err := l.walk(img, depActions, depSrc, flavor, code); err != nil {
				return err
			}
		default:
			return fmt.Errorf("runner: unhandled action type %T", a)
		}
	}
	return nil
}

func applyMapFile(img *Image, src source, act MapFile) error {
	if strings.HasSuffix(act.Source, "/") {
		files, err := src.readDir(act.Source)
		if err != nil {
			return err
		}
		for rel, data := range files {
			img.Files[path.Join(act.Target, rel)] = data
		}
		return nil
	}
	data, err := src.readFile(act.Source)
	if err != nil {
		return err
	}
	img.Files[act.Target] = data
	return nil
}
