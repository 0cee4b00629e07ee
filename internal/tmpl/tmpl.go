// Package tmpl implements the two-namespace `${...}` templating spec §6
// uses in runner configuration: a bare name (`${name}`) is resolved by the
// caller-supplied loader namespace, while `${ENV[NAME]}` is resolved against
// the process environment. No ecosystem templating engine in the retrieval
// pack matches this narrow, non-Go-syntax grammar (text/template's
// `{{...}}` delimiters and pipeline syntax would have to be bent out of
// shape to express it); a small hand-rolled scanner is the idiomatic choice
// here, the same way the rest of this module hand-rolls the calldata codec
// and ULEB128 reader rather than reach for a general-purpose parser.
package tmpl

import (
	"fmt"
	"os"
	"strings"
)

// Resolver looks up a bare name in the loader's own namespace, as opposed to
// the `ENV[...]` namespace, which is always the process environment.
type Resolver interface {
	Lookup(name string) (string, bool)
}

// ResolverFunc adapts a plain function to Resolver.
type ResolverFunc func(name string) (string, bool)

func (f ResolverFunc) Lookup(name string) (string, bool) { return f(name) }

// Expand scans s for `${...}` placeholders and substitutes each one,
// leaving any text outside a placeholder untouched. A placeholder whose
// name cannot be resolved is an error — unlike shell-style templating,
// missing variables are never silently expanded to the empty string,
// since a silently-dropped path or address in a runner archive would fail
// far from its actual cause.
func Expand(s string, r Resolver) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(s) {
		start := strings.Index(s[i:], "${")
		if start < 0 {
			out.WriteString(s[i:])
			break
		}
		start += i
		out.WriteString(s[i:start])

		end := strings.IndexByte(s[start+2:], '}')
		if end < 0 {
			return "", fmt.Errorf("tmpl: unterminated placeholder starting at byte %d", start)
		}
		end += start + 2

		name := s[start+2 : end]
		val, err := resolveOne(name, r)
		if err != nil {
			return "", err
		}
		out.WriteString(val)
		i = end + 1
	}
	return out.String(), nil
}

func resolveOne(name string, r Resolver) (string, error) {
	const envPrefix = "ENV["
	if strings.HasPrefix(name, envPrefix) && strings.HasSuffix(name, "]") {
		envName := name[len(envPrefix) : len(name)-1]
		val, ok := os.LookupEnv(envName)
		if !ok {
			return "", fmt.Errorf("tmpl: environment variable %q is not set", envName)
		}
		return val, nil
	}
	if r == nil {
		return "", fmt.Errorf("tmpl: no loader namespace configured to resolve %q", name)
	}
	val, ok := r.Lookup(name)
	if !ok {
		return "", fmt.Errorf("tmpl: unresolved name %q", name)
	}
	return val, nil
}
