package config

import "time"

// Config - корневая структура конфигурации ноды
// yaml теги для парсинга

type Config struct {
	Logger  LoggerConfig  `yaml:"logger"`
	Server  ServerConfig  `yaml:"http-server"`
	Raft    RaftConfig    `yaml:"raft"`
	Session SessionConfig `yaml:"session"`
	Cluster ClusterConfig `yaml:"cluster"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type RaftConfig struct {
	ID                        uint64           `yaml:"id"`
	ElectionTick              int              `yaml:"election_tick"`
	HeartbeatTick             int              `yaml:"heartbeat_tick"`
	MaxSizePerMsg             uint64           `yaml:"max_size_per_msg"`
	MaxCommittedSizePerReady  uint64           `yaml:"max_committed_size_per_ready"`
	MaxUncommittedEntriesSize uint64           `yaml:"max_uncommitted_entries_size"`
	MaxInflightMsgs           int              `yaml:"max_inflight_msgs"`
	CheckQuorum               bool             `yaml:"check_quorum"`
	PreVote                   bool             `yaml:"pre_vote"`
	SnapshotEvery             uint64           `yaml:"snapshot_every"`
	Peers                     []RaftPeerConfig `yaml:"peers"`
}

type RaftPeerConfig struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
}

type SessionConfig struct {
	// DefaultTimeout is not read by the server: a client request without a
	// timeout is raised to MinTimeout like any other too-short timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// MinTimeout/MaxTimeout clamp client-requested timeouts.
	MinTimeout time.Duration `yaml:"min_timeout"`
	MaxTimeout time.Duration `yaml:"max_timeout"`
	// TickInterval is how often the leader proposes a metadata entry to
	// advance logical time when the cluster is otherwise idle.
	TickInterval time.Duration `yaml:"tick_interval"`
}

type ClusterConfig struct {
	Zookeeper     []string `yaml:"zookeeper"`
	RootPath      string   `yaml:"root_path"`
	AdvertiseAddr string   `yaml:"advertise_addr"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Raft: RaftConfig{
			ID:                        1,
			ElectionTick:              10,
			HeartbeatTick:             2,
			MaxSizePerMsg:             1024 * 1024,
			MaxCommittedSizePerReady:  16 * 1024 * 1024,
			MaxUncommittedEntriesSize: 1 << 30,
			MaxInflightMsgs:           256,
			CheckQuorum:               true,
			PreVote:                   false,
			SnapshotEvery:             10000,
			Peers:                     []RaftPeerConfig{{ID: 1, Address: "http://127.0.0.1:8080"}},
		},
		Session: SessionConfig{
			DefaultTimeout: 5 * time.Second,
			MinTimeout:     250 * time.Millisecond,
			MaxTimeout:     5 * time.Minute,
			TickInterval:   time.Second,
		},
		Cluster: ClusterConfig{
			RootPath: "/atomix",
		},
	}
}
