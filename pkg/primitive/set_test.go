package primitive

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/egorzamaraev/atomix/pkg/protocol"
	"github.com/egorzamaraev/atomix/pkg/rsm"
	"github.com/egorzamaraev/atomix/pkg/types"
)

func setFixture(t *testing.T) (*rsm.Executor, types.SessionID) {
	t.Helper()
	exec := rsm.NewExecutor()
	exec.RegisterService(NewSetService())
	sid, _ := exec.OpenSession(1, 1000, "client", 60000)
	return exec, sid
}

func TestSetService_AddContainsRemove(t *testing.T) {
	exec, sid := setFixture(t)

	payload, _ := json.Marshal(SetRequest{Value: "x"})

	res := applyCommand(t, exec, 2, 1001, sid, 1, protocol.NewOperation(SetAdd, payload))
	if res.err != nil {
		t.Fatalf("add failed: %v", res.err)
	}
	var added bool
	_ = json.Unmarshal(res.output, &added)
	if !added {
		t.Fatal("first add must report true")
	}

	// повторное добавление — false
	res = applyCommand(t, exec, 3, 1002, sid, 2, protocol.NewOperation(SetAdd, payload))
	_ = json.Unmarshal(res.output, &added)
	if added {
		t.Fatal("duplicate add must report false")
	}

	res = runQuery(t, exec, sid, protocol.NewOperation(SetContains, payload))
	var contains bool
	_ = json.Unmarshal(res.output, &contains)
	if !contains {
		t.Fatal("set must contain x")
	}

	res = applyCommand(t, exec, 4, 1003, sid, 3, protocol.NewOperation(SetRemove, payload))
	var removed bool
	_ = json.Unmarshal(res.output, &removed)
	if !removed {
		t.Fatal("remove must report true")
	}

	res = runQuery(t, exec, sid, protocol.NewOperation(SetContains, payload))
	_ = json.Unmarshal(res.output, &contains)
	if contains {
		t.Fatal("set must not contain x after remove")
	}
}

func TestSetService_SnapshotRestore(t *testing.T) {
	svc := NewSetService()
	svc.members.Add("b")
	svc.members.Add("a")
	svc.members.Add("c")

	var buf bytes.Buffer
	if err := svc.Snapshot(&buf); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	restored := NewSetService()
	if err := restored.Restore(&buf); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	for _, v := range []string{"a", "b", "c"} {
		if !restored.members.Contains(v) {
			t.Fatalf("restored set must contain %q", v)
		}
	}
	if restored.members.Len() != 3 {
		t.Fatalf("expected 3 members, got %d", restored.members.Len())
	}
}
