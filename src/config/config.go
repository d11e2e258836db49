package config

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/memorymesh/memorymesh/src/common"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the node's
	// private key
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the
	// Badger databases (CRDT records and Raft log)
	DefaultBadgerFile = "badger_db"

	// DefaultSeedsFile is the default name of the JSON file containing the
	// static seed addresses
	DefaultSeedsFile = "seeds.json"
)

// Default configuration values.
const (
	DefaultLogLevel                 = "debug"
	DefaultBindAddr                 = "127.0.0.1:1337"
	DefaultServiceAddr              = "127.0.0.1:8000"
	DefaultTCPTimeout               = 1000 * time.Millisecond
	DefaultJoinTimeout              = 10000 * time.Millisecond
	DefaultMaxPool                  = 2
	DefaultStore                    = false
	DefaultDirectoryRefreshInterval = 30 * time.Second
	DefaultLocalProbeEnabled        = false
	DefaultLocalProbePort           = 7946
	DefaultMeshFanout               = 3
	DefaultAntiEntropyInterval      = 1 * time.Second
	DefaultMaxTTLHops               = 6
	DefaultDedupCacheSize           = 10000
	DefaultDedupCacheTTL            = 2 * time.Minute
	DefaultHeartbeatInterval        = 500 * time.Millisecond
	DefaultSuspectThreshold         = 3
	DefaultDeadThreshold            = 5
	DefaultGracePeriod              = 1 * time.Minute
	DefaultLoadBalancePolicy        = "round_robin"
	DefaultElectionTimeoutMin       = 150 * time.Millisecond
	DefaultElectionTimeoutMax       = 300 * time.Millisecond
	DefaultRaftHeartbeatInterval    = 50 * time.Millisecond
	DefaultTombstoneRetention       = 10 * time.Minute
)

// Config contains all the configuration properties of a memorymesh node.
type Config struct {
	// DataDir is the top-level directory containing configuration and data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// BindAddr is the local address:port where this node talks to other
	// nodes. In some cases, there may be a routable address that cannot be
	// bound. Use AdvertiseAddr to advertise a different address to support
	// this.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the address that we advertise to other
	// nodes.
	AdvertiseAddr string `mapstructure:"advertise"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the optional HTTP service.
	ServiceAddr string `mapstructure:"service-listen"`

	// MaxPool controls how many connections are pooled per target in the
	// transport.
	MaxPool int `mapstructure:"max-pool"`

	// TCPTimeout is the timeout of RPC connections.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// JoinTimeout is the timeout of Join requests.
	JoinTimeout time.Duration `mapstructure:"join-timeout"`

	// Store activates persistent storage for the CRDT records and the Raft
	// log.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// Moniker defines the friendly name of this node.
	Moniker string `mapstructure:"moniker"`

	// DiscoverySeeds is the static list of addresses used to bootstrap
	// discovery. It is merged with the contents of seeds.json, if present.
	DiscoverySeeds []string `mapstructure:"seeds"`

	// DirectoryDomain is the DNS domain queried for SRV records advertising
	// cluster members. Directory lookup is disabled when empty.
	DirectoryDomain string `mapstructure:"directory-domain"`

	// DirectoryRefreshInterval is the period of directory lookups.
	DirectoryRefreshInterval time.Duration `mapstructure:"directory-refresh-interval"`

	// LocalProbeEnabled activates the local-subnet broadcast probe.
	LocalProbeEnabled bool `mapstructure:"local-probe"`

	// LocalProbePort is the UDP port used by the local-subnet probe.
	LocalProbePort int `mapstructure:"local-probe-port"`

	// MeshFanout is the number of peers contacted per gossip round.
	MeshFanout int `mapstructure:"fanout"`

	// AntiEntropyInterval is the period of pull-based reconciliation rounds.
	AntiEntropyInterval time.Duration `mapstructure:"anti-entropy-interval"`

	// MaxTTLHops caps the number of hops a gossip message can travel.
	MaxTTLHops int `mapstructure:"max-ttl-hops"`

	// DedupCacheSize is the max number of message IDs remembered for
	// de-duplication.
	DedupCacheSize int `mapstructure:"dedup-cache-size"`

	// DedupCacheTTL is how long a message ID stays in the de-dup cache.
	DedupCacheTTL time.Duration `mapstructure:"dedup-cache-ttl"`

	// HeartbeatInterval is the period of coordinator heartbeat broadcasts and
	// registry scans.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat"`

	// SuspectThreshold is the number of missed heartbeats after which a node
	// is Suspected.
	SuspectThreshold int `mapstructure:"suspect-threshold"`

	// DeadThreshold is the number of missed heartbeats after which a node is
	// Dead.
	DeadThreshold int `mapstructure:"dead-threshold"`

	// GracePeriod is how long a Dead record lingers before being removed from
	// the active set, leaving only an incarnation tombstone.
	GracePeriod time.Duration `mapstructure:"grace-period"`

	// LoadBalancePolicy is the default peer-selection policy: round_robin,
	// least_loaded, or lowest_latency.
	LoadBalancePolicy string `mapstructure:"load-balance-policy"`

	// AdmissionSecret is the cluster-wide shared secret that joining nodes
	// must present to be granted the privileged tier. Any sufficiently
	// unguessable string works; it is compared in constant time.
	AdmissionSecret string `mapstructure:"admission-secret"`

	// ElectionTimeoutMin and ElectionTimeoutMax bound the randomized Raft
	// election timeout.
	ElectionTimeoutMin time.Duration `mapstructure:"election-timeout-min"`
	ElectionTimeoutMax time.Duration `mapstructure:"election-timeout-max"`

	// RaftHeartbeatInterval is the period of leader heartbeats (empty
	// AppendEntries).
	RaftHeartbeatInterval time.Duration `mapstructure:"raft-heartbeat"`

	// TombstoneRetention is how long CRDT delete tombstones are kept before
	// garbage collection. It must be long enough for all live peers to have
	// observed the deletion.
	TombstoneRetention time.Duration `mapstructure:"tombstone-retention"`

	// Key is the private key of the node.
	Key *ecdsa.PrivateKey

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:                  DefaultDataDir(),
		LogLevel:                 DefaultLogLevel,
		BindAddr:                 DefaultBindAddr,
		ServiceAddr:              DefaultServiceAddr,
		TCPTimeout:               DefaultTCPTimeout,
		JoinTimeout:              DefaultJoinTimeout,
		MaxPool:                  DefaultMaxPool,
		Store:                    DefaultStore,
		DatabaseDir:              DefaultDatabaseDir(),
		DirectoryRefreshInterval: DefaultDirectoryRefreshInterval,
		LocalProbeEnabled:        DefaultLocalProbeEnabled,
		LocalProbePort:           DefaultLocalProbePort,
		MeshFanout:               DefaultMeshFanout,
		AntiEntropyInterval:      DefaultAntiEntropyInterval,
		MaxTTLHops:               DefaultMaxTTLHops,
		DedupCacheSize:           DefaultDedupCacheSize,
		DedupCacheTTL:            DefaultDedupCacheTTL,
		HeartbeatInterval:        DefaultHeartbeatInterval,
		SuspectThreshold:         DefaultSuspectThreshold,
		DeadThreshold:            DefaultDeadThreshold,
		GracePeriod:              DefaultGracePeriod,
		LoadBalancePolicy:        DefaultLoadBalancePolicy,
		ElectionTimeoutMin:       DefaultElectionTimeoutMin,
		ElectionTimeoutMax:       DefaultElectionTimeoutMax,
		RaftHeartbeatInterval:    DefaultRaftHeartbeatInterval,
		TombstoneRetention:       DefaultTombstoneRetention,
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t)
	return config
}

// SetDataDir sets the top-level memorymesh directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitly set
// it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// SeedsFile returns the full path of the JSON seeds file.
func (c *Config) SeedsFile() string {
	return filepath.Join(c.DataDir, DefaultSeedsFile)
}

// SetLogger replaces the internal logger, allowing callers to install hooks
// before any component grabs an Entry.
func (c *Config) SetLogger(logger *logrus.Logger) {
	c.logger = logger
}

// Logger returns a formatted logrus Entry, with prefix set to "memorymesh".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
	}
	return c.logger.WithField("prefix", "memorymesh")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir returns the default directory name for top-level memorymesh
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".MemoryMesh")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "MemoryMesh")
		} else {
			return filepath.Join(home, ".memorymesh")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
