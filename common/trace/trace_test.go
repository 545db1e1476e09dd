package trace_test

import (
	"context"
	"strings"
	"testing"

	"github.com/bdobrica/Hashi/common/trace"
)

func TestGenerateID_Format(t *testing.T) {
	id := trace.GenerateID()
	if !strings.HasPrefix(id, "t_") || len(id) != 34 {
		t.Fatalf("unexpected trace id %q", id)
	}
	if id == trace.GenerateID() {
		t.Fatal("two generated IDs should differ")
	}
}

func TestEnsure_KeepsExisting(t *testing.T) {
	ctx := trace.WithTraceID(context.Background(), "t_fixed")
	got, id := trace.Ensure(ctx)
	if id != "t_fixed" || trace.FromContext(got) != "t_fixed" {
		t.Fatalf("Ensure replaced an existing trace id: %q", id)
	}

	_, fresh := trace.Ensure(context.Background())
	if fresh == "" {
		t.Fatal("Ensure should generate an id for a bare context")
	}
}
