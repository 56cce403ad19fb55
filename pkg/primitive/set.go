package primitive

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/zhangyunhao116/skipset"

	"github.com/egorzamaraev/atomix/pkg/protocol"
	"github.com/egorzamaraev/atomix/pkg/rsm"
)

// Operation names of the set service.
var (
	SetAdd      = protocol.CommandOp("set/add")
	SetRemove   = protocol.CommandOp("set/remove")
	SetContains = protocol.QueryOp("set/contains")
	SetSize     = protocol.QueryOp("set/size")
)

type SetRequest struct {
	Value string `json:"value"`
}

// SetService is a replicated set of strings. The skip list keeps members
// ordered, so snapshot bytes are identical across replicas.
type SetService struct {
	members *skipset.FuncSet[string]
}

func newMembers() *skipset.FuncSet[string] {
	return skipset.NewFunc[string](func(a, b string) bool { return a < b })
}

func NewSetService() *SetService {
	return &SetService{members: newMembers()}
}

func (s *SetService) Name() string {
	return "set"
}

func (s *SetService) Register(exec *rsm.Executor) {
	exec.Register(SetAdd, s.add)
	exec.Register(SetRemove, s.remove)
	exec.Register(SetContains, s.contains)
	exec.Register(SetSize, s.size)
}

func (s *SetService) add(c *rsm.Commit) ([]byte, error) {
	var req SetRequest
	if err := json.Unmarshal(c.Value(), &req); err != nil {
		return nil, fmt.Errorf("decode set/add: %w", err)
	}
	return json.Marshal(s.members.Add(req.Value))
}

func (s *SetService) remove(c *rsm.Commit) ([]byte, error) {
	var req SetRequest
	if err := json.Unmarshal(c.Value(), &req); err != nil {
		return nil, fmt.Errorf("decode set/remove: %w", err)
	}
	return json.Marshal(s.members.Remove(req.Value))
}

func (s *SetService) contains(c *rsm.Commit) ([]byte, error) {
	var req SetRequest
	if err := json.Unmarshal(c.Value(), &req); err != nil {
		return nil, fmt.Errorf("decode set/contains: %w", err)
	}
	return json.Marshal(s.members.Contains(req.Value))
}

func (s *SetService) size(c *rsm.Commit) ([]byte, error) {
	return json.Marshal(s.members.Len())
}

func (s *SetService) Snapshot(w io.Writer) error {
	var all []string
	s.members.Range(func(value string) bool {
		all = append(all, value)
		return true
	})
	return json.NewEncoder(w).Encode(all)
}

func (s *SetService) Restore(r io.Reader) error {
	var all []string
	if err := json.NewDecoder(r).Decode(&all); err != nil {
		return fmt.Errorf("restore set: %w", err)
	}

	s.members = newMembers()
	for _, v := range all {
		s.members.Add(v)
	}
	return nil
}
