package guard

import (
	"errors"
	"testing"
)

func TestCapabilityTable(t *testing.T) {
	allActions := []string{"submit", "vote", "feedback", "approve", "reject", "promote", "admin_override"}
	granted := map[string][]string{
		"anonymous": {},
		"limited":   {"submit", "vote", "feedback"},
		"promoted":  {"submit", "vote", "feedback", "approve", "reject", "promote"},
		"admin":     allActions,
	}
	for tier, actions := range granted {
		want := map[string]bool{}
		for _, a := range actions {
			want[a] = true
		}
		for _, action := range allActions {
			err := Allow(tier, action)
			if want[action] && err != nil {
				t.Errorf("Allow(%s,%s): unexpected deny: %v", tier, action, err)
			}
			if !want[action] && err == nil {
				t.Errorf("Allow(%s,%s): expected deny", tier, action)
			}
			if Can(tier, action) != want[action] {
				t.Errorf("Can(%s,%s) = %v, want %v", tier, action, !want[action], want[action])
			}
		}
	}
}

func TestDeniedErrorShape(t *testing.T) {
	err := Allow("limited", "promote")
	var denied DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected DeniedError, got %T", err)
	}
	if denied.Tier != "limited" || denied.Action != "promote" {
		t.Fatalf("unexpected fields: %+v", denied)
	}
}

func TestUnknownTierAndActionFailClosed(t *testing.T) {
	if err := Allow("superuser", "submit"); err == nil {
		t.Fatal("unknown tier must be denied")
	}
	if err := Allow("admin", "launch_missiles"); err == nil {
		t.Fatal("unknown action must be denied")
	}
	if err := Allow("", ""); err == nil {
		t.Fatal("empty tier and action must be denied")
	}
}

func TestValidTier(t *testing.T) {
	for _, tier := range []string{"anonymous", "limited", "promoted", "admin"} {
		if !ValidTier(tier) {
			t.Errorf("ValidTier(%s) = false", tier)
		}
	}
	if ValidTier("moderator") {
		t.Error("ValidTier(moderator) = true")
	}
}
