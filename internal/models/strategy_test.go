package models

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		legal    bool
	}{
		{StatusGenerated, StatusValidated, true},
		{StatusGenerated, StatusFailed, true},
		{StatusGenerated, StatusActive, false},
		{StatusValidated, StatusActive, true},
		{StatusValidated, StatusRetired, true},
		{StatusValidated, StatusLive, false},
		{StatusActive, StatusLive, true},
		{StatusActive, StatusRetired, true},
		// Leaving the live set is terminal; re-entry would skip the
		// pool admission floor and could overflow the ACTIVE bound.
		{StatusLive, StatusActive, false},
		{StatusLive, StatusRetired, true},
		{StatusLive, StatusFailed, false},
		{StatusRetired, StatusActive, false},
		{StatusFailed, StatusGenerated, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.legal {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.legal)
		}
	}
}

func TestValidateTransitionError(t *testing.T) {
	if err := ValidateTransition(StatusActive, StatusLive); err != nil {
		t.Fatalf("ACTIVE -> LIVE should be legal: %v", err)
	}
	err := ValidateTransition(StatusRetired, StatusActive)
	if err == nil {
		t.Fatal("RETIRED -> ACTIVE should be illegal")
	}
	if !strings.Contains(err.Error(), "RETIRED") || !strings.Contains(err.Error(), "ACTIVE") {
		t.Errorf("error should name both states: %v", err)
	}
}

func TestParseKind(t *testing.T) {
	for _, tag := range []string{"TRD", "MOM", "REV", "VOL", "CDL"} {
		if _, err := ParseKind(tag); err != nil {
			t.Errorf("ParseKind(%q) failed: %v", tag, err)
		}
	}
	if _, err := ParseKind("ARB"); err == nil {
		t.Error("ParseKind should reject unknown kind")
	}
}

func TestClaimed(t *testing.T) {
	s := &Strategy{}
	if s.Claimed() {
		t.Error("nil processing_by should not be claimed")
	}
	empty := ""
	s.ProcessingBy = &empty
	if s.Claimed() {
		t.Error("empty processing_by should not be claimed")
	}
	proc := "backtester-host-1"
	s.ProcessingBy = &proc
	if !s.Claimed() {
		t.Error("non-empty processing_by should be claimed")
	}
}

func TestChildName(t *testing.T) {
	parent := &Strategy{Kind: KindMomentum}
	child := uuid.MustParse("a1b2c3d4-0000-0000-0000-000000000000")
	got := parent.ChildName(child)
	if got != "MOM_a1b2c3d4" {
		t.Errorf("ChildName = %q, want MOM_a1b2c3d4", got)
	}
}
