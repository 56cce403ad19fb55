package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

// Membership tracks live cluster members in ZooKeeper: each server registers
// an ephemeral node under <root>/members, clients list and watch them to
// discover endpoints.
type Membership struct {
	conn     *zk.Conn
	rootPath string
	local    string // advertise addr of this node, empty for a client
}

// servers: ["zk1:2181", "zk2:2181"]
func NewMembership(servers []string, rootPath, localAddr string) (*Membership, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &Membership{
		conn:     conn,
		rootPath: rootPath,
		local:    localAddr,
	}, nil
}

func (m *Membership) Close() error {
	m.conn.Close()
	return nil
}

func (m *Membership) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && err != zk.ErrNodeExists {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf создаёт ephemeral-узел для текущей ноды
func (m *Membership) RegisterSelf() error {
	if err := m.waitConnected(10 * time.Second); err != nil {
		return err
	}

	if err := m.ensurePath(m.rootPath + "/members"); err != nil {
		return fmt.Errorf("ensure members path: %w", err)
	}

	nodePath := fmt.Sprintf("%s/members/%s", m.rootPath, encodeAddr(m.local))

	_, err := m.conn.Create(nodePath, []byte(m.local), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	slog.Info("registered cluster member", "path", nodePath)
	return nil
}

// Members возвращает список живых адресов
func (m *Membership) Members() ([]string, error) {
	children, _, err := m.conn.Children(m.rootPath + "/members")
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}

	members := make([]string, 0, len(children))
	for _, c := range children {
		members = append(members, decodeAddr(c))
	}
	return members, nil
}

// Watch запускает цикл: следит за изменениями /members и отдаёт свежий список
// в onChange
func (m *Membership) Watch(ctx context.Context, onChange func([]string)) {
	go func() {
		for {
			children, _, ch, err := m.conn.ChildrenW(m.rootPath + "/members")
			if err != nil {
				slog.Warn("zk watch error", "error", err)
				select {
				case <-time.After(2 * time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}

			members := make([]string, 0, len(children))
			for _, c := range children {
				members = append(members, decodeAddr(c))
			}
			onChange(members)

			select {
			case <-ch:
				// перечитываем список на следующей итерации
			case <-ctx.Done():
				slog.Debug("zk watch stopped")
				return
			}
		}
	}()
}

func (m *Membership) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// znode names cannot contain '/'
func encodeAddr(addr string) string {
	return strings.ReplaceAll(addr, "/", "_")
}

func decodeAddr(name string) string {
	return strings.ReplaceAll(name, "_", "/")
}
