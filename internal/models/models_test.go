package models

import "testing"

func TestAssetStatusTransitions(t *testing.T) {
	cases := []struct {
		from    AssetStatus
		to      AssetStatus
		allowed bool
	}{
		{AssetStatusPending, AssetStatusProcessing, true},
		{AssetStatusPending, AssetStatusFailed, true},
		{AssetStatusPending, AssetStatusReady, false},
		{AssetStatusProcessing, AssetStatusReady, true},
		{AssetStatusProcessing, AssetStatusFailed, true},
		{AssetStatusProcessing, AssetStatusPending, false},
		{AssetStatusReady, AssetStatusProcessing, false},
		{AssetStatusReady, AssetStatusFailed, false},
		{AssetStatusFailed, AssetStatusProcessing, false},
		{AssetStatusFailed, AssetStatusReady, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.allowed {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestAssetStatusTerminal(t *testing.T) {
	if AssetStatusPending.Terminal() || AssetStatusProcessing.Terminal() {
		t.Fatalf("pending/processing must not be terminal")
	}
	if !AssetStatusReady.Terminal() || !AssetStatusFailed.Terminal() {
		t.Fatalf("ready/failed must be terminal")
	}
}

func TestUserHasRole(t *testing.T) {
	user := User{Roles: []string{"Admin", "instructor"}}
	if !user.HasRole("admin") {
		t.Fatalf("expected case-insensitive role match")
	}
	if user.HasRole("viewer") {
		t.Fatalf("unexpected viewer role")
	}
}

func TestEnrollmentGrants(t *testing.T) {
	granted := Enrollment{Status: EnrollmentStatusActive, Completed: true}
	if !granted.Grants() {
		t.Fatalf("active completed enrollment should grant playback")
	}
	for _, e := range []Enrollment{
		{Status: EnrollmentStatusActive, Completed: false},
		{Status: EnrollmentStatusCancelled, Completed: true},
	} {
		if e.Grants() {
			t.Fatalf("enrollment %+v should not grant playback", e)
		}
	}
}
