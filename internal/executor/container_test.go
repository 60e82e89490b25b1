package executor

import (
	"testing"
)

func TestValidateImageRefPlain(t *testing.T) {
	ref, err := ValidateImageRef("ghcr.io/acme/app:1.2.3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref.Name != "ghcr.io/acme/app" || ref.Tag != "1.2.3" || ref.Digest != "" {
		t.Fatalf("unexpected parse: %+v", ref)
	}
}

func TestValidateImageRefWithDigest(t *testing.T) {
	const dig = "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	ref, err := ValidateImageRef("ghcr.io/acme/app@" + dig)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref.Name != "ghcr.io/acme/app" || string(ref.Digest) != dig {
		t.Fatalf("unexpected parse: %+v", ref)
	}
}

func TestValidateImageRefRejectsMalformedDigest(t *testing.T) {
	if _, err := ValidateImageRef("ghcr.io/acme/app@sha256:not-a-digest"); err == nil {
		t.Fatal("expected an error for a malformed digest")
	}
}

func TestValidateImageRefRejectsEmpty(t *testing.T) {
	if _, err := ValidateImageRef("   "); err == nil {
		t.Fatal("expected an error for an empty reference")
	}
}

func TestValidateImageRefRejectsWhitespace(t *testing.T) {
	if _, err := ValidateImageRef("acme/app 1.0"); err == nil {
		t.Fatal("expected an error for a reference containing whitespace")
	}
}

func TestContainerExecutorRejectsMissingImage(t *testing.T) {
	e := NewContainerExecutor(nil)
	res := e.Execute(&ExecContext{WorkspaceDir: t.TempDir()})
	if res.Status != StatusFailure {
		t.Fatalf("expected failure, got %s", res.Status)
	}
}

func TestContainerExecutorRejectsBadImageRef(t *testing.T) {
	e := NewContainerExecutor(nil)
	res := e.Execute(&ExecContext{WorkspaceDir: t.TempDir(), Image: "bad image ref"})
	if res.Status != StatusFailure {
		t.Fatalf("expected failure, got %s", res.Status)
	}
}
