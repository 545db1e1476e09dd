package session_test

import (
	"sync"
	"testing"

	"github.com/bdobrica/Hashi/internal/hashi/session"
)

func TestKey_Concatenates(t *testing.T) {
	if got := session.Key("c1", "u1"); got != "c1u1" {
		t.Errorf("Key = %q, want c1u1", got)
	}
	if session.Key("oc_1", "ou_2") == session.Key("oc_1", "ou_3") {
		t.Error("different senders in one chat must not share a key")
	}
}

func TestResolver_DefaultsToKey(t *testing.T) {
	r := session.NewResolver()
	if got := r.Resolve("c1", "u1"); got != "c1u1" {
		t.Errorf("Resolve = %q, want c1u1", got)
	}
}

func TestResolver_BindAndForget(t *testing.T) {
	r := session.NewResolver()
	r.Bind("c1", "u1", "flow-session-9")

	if got := r.Resolve("c1", "u1"); got != "flow-session-9" {
		t.Errorf("Resolve after Bind = %q", got)
	}
	if got := r.Resolve("c1", "u2"); got != "c1u2" {
		t.Errorf("other pair affected: %q", got)
	}

	r.Forget("c1", "u1")
	if got := r.Resolve("c1", "u1"); got != "c1u1" {
		t.Errorf("Resolve after Forget = %q", got)
	}
	if r.Bindings() != 0 {
		t.Errorf("Bindings = %d, want 0", r.Bindings())
	}
}

func TestResolver_BindEmptyOrSelfClears(t *testing.T) {
	r := session.NewResolver()
	r.Bind("c", "u", "x")
	r.Bind("c", "u", "")
	if r.Bindings() != 0 {
		t.Error("empty bind should clear")
	}
	r.Bind("c", "u", "cu")
	if r.Bindings() != 0 {
		t.Error("binding to the derived key should not be stored")
	}
}

func TestResolver_Concurrent(t *testing.T) {
	r := session.NewResolver()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); r.Bind("c", "u", "s") }()
		go func() { defer wg.Done(); _ = r.Resolve("c", "u") }()
	}
	wg.Wait()
	if got := r.Resolve("c", "u"); got != "s" {
		t.Errorf("Resolve = %q, want s", got)
	}
}
