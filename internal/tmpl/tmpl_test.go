package tmpl

import "testing"

func TestExpandBareName(t *testing.T) {
	r := ResolverFunc(func(name string) (string, bool) {
		if name == "runner_dir" {
			return "/var/genvm/runners", true
		}
		return "", false
	})
	got, err := Expand("${runner_dir}/llm.zip", r)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != "/var/genvm/runners/llm.zip" {
		t.Fatalf("got %q", got)
	}
}

func TestExpandEnvNamespace(t *testing.T) {
	t.Setenv("GENVM_PROFILE_PATH", "default")
	got, err := Expand("profile=${ENV[GENVM_PROFILE_PATH]}", nil)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != "profile=default" {
		t.Fatalf("got %q", got)
	}
}

func TestExpandMissingNameIsAnError(t *testing.T) {
	r := ResolverFunc(func(name string) (string, bool) { return "", false })
	if _, err := Expand("${missing}", r); err == nil {
		t.Fatalf("expected an error for an unresolved name")
	}
}

func TestExpandUnterminatedPlaceholder(t *testing.T) {
	if _, err := Expand("${oops", nil); err == nil {
		t.Fatalf("expected an error for an unterminated placeholder")
	}
}

func TestExpandPassesThroughPlainText(t *testing.T) {
	got, err := Expand("no placeholders here", nil)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != "no placeholders here" {
		t.Fatalf("got %q", got)
	}
}
