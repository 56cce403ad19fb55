package primitive

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/zhangyunhao116/skipmap"

	"github.com/egorzamaraev/atomix/pkg/protocol"
	"github.com/egorzamaraev/atomix/pkg/rsm"
	"github.com/egorzamaraev/atomix/pkg/types"
)

// Operation names of the map service.
var (
	MapPut    = protocol.CommandOp("map/put")
	MapRemove = protocol.CommandOp("map/remove")
	MapClear  = protocol.CommandOp("map/clear")
	MapGet    = protocol.QueryOp("map/get")
	MapSize   = protocol.QueryOp("map/size")
)

const mapExpireTask = "map/expire"

// Versioned is a map value plus the commit index that wrote it.
type Versioned struct {
	Value   []byte `json:"value"`
	Version uint64 `json:"version"`
}

type MapPutRequest struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
	// TTL in logical milliseconds; zero means no expiry.
	TTL int64 `json:"ttl,omitempty"`
}

type MapKeyRequest struct {
	Key string `json:"key"`
}

type mapExpirePayload struct {
	Key     string `json:"key"`
	Version uint64 `json:"version"`
}

type mapEntry struct {
	Value   []byte `json:"value"`
	Version uint64 `json:"version"`
}

type orderedEntries = skipmap.FuncMap[string, mapEntry]

func newEntries() *orderedEntries {
	return skipmap.NewFunc[string, mapEntry](func(a, b string) bool { return a < b })
}

// MapService is a replicated key-value map with versioned values and
// per-entry TTL driven by the logical-time scheduler. The skip list keeps
// iteration ordered by key, which makes snapshots deterministic.
type MapService struct {
	exec    *rsm.Executor
	entries *orderedEntries
}

func NewMapService() *MapService {
	return &MapService{entries: newEntries()}
}

func (m *MapService) Name() string {
	return "map"
}

func (m *MapService) Register(exec *rsm.Executor) {
	m.exec = exec
	exec.Register(MapPut, m.put)
	exec.Register(MapRemove, m.remove)
	exec.Register(MapClear, m.clear)
	exec.Register(MapGet, m.get)
	exec.Register(MapSize, m.size)
	exec.RegisterTask(mapExpireTask, m.expire)
}

func (m *MapService) put(c *rsm.Commit) ([]byte, error) {
	var req MapPutRequest
	if err := json.Unmarshal(c.Value(), &req); err != nil {
		return nil, fmt.Errorf("decode map/put: %w", err)
	}
	if req.Key == "" {
		return nil, fmt.Errorf("map/put: empty key")
	}

	entry := mapEntry{Value: req.Value, Version: uint64(c.Index())}
	m.entries.Store(req.Key, entry)

	if req.TTL > 0 {
		payload, err := json.Marshal(mapExpirePayload{Key: req.Key, Version: entry.Version})
		if err != nil {
			return nil, err
		}
		if err := m.exec.Scheduler().ScheduleAt(c.Time()+types.LogicalTime(req.TTL), mapExpireTask, payload); err != nil {
			return nil, err
		}
	}

	return json.Marshal(Versioned{Value: req.Value, Version: entry.Version})
}

func (m *MapService) remove(c *rsm.Commit) ([]byte, error) {
	var req MapKeyRequest
	if err := json.Unmarshal(c.Value(), &req); err != nil {
		return nil, fmt.Errorf("decode map/remove: %w", err)
	}

	entry, ok := m.entries.Load(req.Key)
	if !ok {
		return nil, nil
	}
	m.entries.Delete(req.Key)
	return json.Marshal(Versioned{Value: entry.Value, Version: entry.Version})
}

func (m *MapService) clear(c *rsm.Commit) ([]byte, error) {
	m.entries.Range(func(key string, _ mapEntry) bool {
		m.entries.Delete(key)
		return true
	})
	return nil, nil
}

func (m *MapService) get(c *rsm.Commit) ([]byte, error) {
	var req MapKeyRequest
	if err := json.Unmarshal(c.Value(), &req); err != nil {
		return nil, fmt.Errorf("decode map/get: %w", err)
	}

	entry, ok := m.entries.Load(req.Key)
	if !ok {
		return nil, nil
	}
	return json.Marshal(Versioned{Value: entry.Value, Version: entry.Version})
}

func (m *MapService) size(c *rsm.Commit) ([]byte, error) {
	return json.Marshal(m.entries.Len())
}

// expire removes the key only when its version still matches the one the TTL
// was armed for; a newer put wins over a stale expiry.
func (m *MapService) expire(payload []byte) {
	var p mapExpirePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	if entry, ok := m.entries.Load(p.Key); ok && entry.Version == p.Version {
		m.entries.Delete(p.Key)
	}
}

func (m *MapService) Snapshot(w io.Writer) error {
	type kv struct {
		Key   string   `json:"key"`
		Entry mapEntry `json:"entry"`
	}
	var all []kv
	m.entries.Range(func(key string, entry mapEntry) bool {
		all = append(all, kv{Key: key, Entry: entry})
		return true
	})

	return json.NewEncoder(w).Encode(all)
}

func (m *MapService) Restore(r io.Reader) error {
	type kv struct {
		Key   string   `json:"key"`
		Entry mapEntry `json:"entry"`
	}
	var all []kv
	if err := json.NewDecoder(r).Decode(&all); err != nil {
		return fmt.Errorf("restore map: %w", err)
	}

	m.entries = newEntries()
	for _, e := range all {
		m.entries.Store(e.Key, e.Entry)
	}
	return nil
}
