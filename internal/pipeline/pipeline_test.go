package pipeline

import "testing"

func TestStepValidateRejectsExplicitZeroTimeout(t *testing.T) {
	zero := int64(0)
	s := &Step{Name: "build", Kind: KindShell, Command: "make", TimeoutMS: &zero}
	if err := s.Validate(); err == nil {
		t.Fatal("expected an explicit timeout of 0 to be rejected")
	}
}

func TestStepValidateAllowsOmittedTimeout(t *testing.T) {
	s := &Step{Name: "build", Kind: KindShell, Command: "make"}
	if err := s.Validate(); err != nil {
		t.Fatalf("expected an omitted timeout to be unbounded, got: %v", err)
	}
}

func TestStepValidateAllowsPositiveTimeout(t *testing.T) {
	ms := int64(5000)
	s := &Step{Name: "build", Kind: KindShell, Command: "make", TimeoutMS: &ms}
	if err := s.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStepValidateRejectsNegativeTimeout(t *testing.T) {
	neg := int64(-1)
	s := &Step{Name: "build", Kind: KindShell, Command: "make", TimeoutMS: &neg}
	if err := s.Validate(); err == nil {
		t.Fatal("expected a negative timeout to be rejected")
	}
}
