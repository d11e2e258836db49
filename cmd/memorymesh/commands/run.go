package commands

import (
	"github.com/memorymesh/memorymesh/src/federation"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

//NewRunCmd returns the command that starts a memorymesh node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runEngine,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runEngine(cmd *cobra.Command, args []string) error {
	engine := federation.NewEngine(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().Error("Cannot initialize engine:", err)
		return err
	}

	engine.Run()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().Bool("log-file", false, "Also write logs to files in datadir")
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")

	// Network
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for memorymesh node")
	cmd.Flags().StringP("advertise", "a", _config.AdvertiseAddr, "Advertise IP:Port for memorymesh node")
	cmd.Flags().DurationP("timeout", "t", _config.TCPTimeout, "TCP Timeout")
	cmd.Flags().DurationP("join-timeout", "j", _config.JoinTimeout, "Join Timeout")
	cmd.Flags().Int("max-pool", _config.MaxPool, "Connection pool size max")

	// Service
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP service")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")

	// Discovery
	cmd.Flags().StringSlice("seeds", _config.DiscoverySeeds, "Static bootstrap addresses")
	cmd.Flags().String("directory-domain", _config.DirectoryDomain, "DNS domain queried for member SRV records")
	cmd.Flags().Duration("directory-refresh-interval", _config.DirectoryRefreshInterval, "Period of directory lookups")
	cmd.Flags().Bool("local-probe", _config.LocalProbeEnabled, "Enable local-subnet broadcast probe")
	cmd.Flags().Int("local-probe-port", _config.LocalProbePort, "UDP port of the local-subnet probe")

	// Mesh
	cmd.Flags().Int("fanout", _config.MeshFanout, "Number of peers contacted per gossip round")
	cmd.Flags().Duration("anti-entropy-interval", _config.AntiEntropyInterval, "Period of anti-entropy rounds")
	cmd.Flags().Int("max-ttl-hops", _config.MaxTTLHops, "Max hops of a gossip message")
	cmd.Flags().Int("dedup-cache-size", _config.DedupCacheSize, "Size of the message-ID de-dup cache")
	cmd.Flags().Duration("dedup-cache-ttl", _config.DedupCacheTTL, "TTL of de-dup cache entries")

	// Coordinator
	cmd.Flags().Duration("heartbeat", _config.HeartbeatInterval, "Time between heartbeats")
	cmd.Flags().Int("suspect-threshold", _config.SuspectThreshold, "Missed heartbeats before Suspected")
	cmd.Flags().Int("dead-threshold", _config.DeadThreshold, "Missed heartbeats before Dead")
	cmd.Flags().Duration("grace-period", _config.GracePeriod, "How long a Dead record lingers before removal")
	cmd.Flags().String("load-balance-policy", _config.LoadBalancePolicy, "round_robin, least_loaded, lowest_latency")
	cmd.Flags().String("admission-secret", _config.AdmissionSecret, "Shared secret granting the privileged tier")

	// Consensus
	cmd.Flags().Duration("election-timeout-min", _config.ElectionTimeoutMin, "Min randomized election timeout")
	cmd.Flags().Duration("election-timeout-max", _config.ElectionTimeoutMax, "Max randomized election timeout")
	cmd.Flags().Duration("raft-heartbeat", _config.RaftHeartbeatInterval, "Period of leader heartbeats")

	// Replicator
	cmd.Flags().Duration("tombstone-retention", _config.TombstoneRetention, "Retention window of delete tombstones")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	if logFile, _ := cmd.Flags().GetBool("log-file"); logFile {
		_config.SetLogger(newFileLogger(_config.DataDir, _config.LogLevel))
	}

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":             _config.DataDir,
		"BindAddr":            _config.BindAddr,
		"AdvertiseAddr":       _config.AdvertiseAddr,
		"ServiceAddr":         _config.ServiceAddr,
		"MaxPool":             _config.MaxPool,
		"Store":               _config.Store,
		"LogLevel":            _config.LogLevel,
		"Moniker":             _config.Moniker,
		"Seeds":               _config.DiscoverySeeds,
		"DirectoryDomain":     _config.DirectoryDomain,
		"Fanout":              _config.MeshFanout,
		"AntiEntropyInterval": _config.AntiEntropyInterval,
		"HeartbeatInterval":   _config.HeartbeatInterval,
		"SuspectThreshold":    _config.SuspectThreshold,
		"DeadThreshold":       _config.DeadThreshold,
		"LoadBalancePolicy":   _config.LoadBalancePolicy,
		"TCPTimeout":          _config.TCPTimeout,
		"JoinTimeout":         _config.JoinTimeout,
	}).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/memorymesh.toml (.json, .yaml also work)
	viper.SetConfigName("memorymesh")    // name of config file (without extension)
	viper.AddConfigPath(_config.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
