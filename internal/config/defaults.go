package config

import "time"

// ApplyDefaults fills zero-valued fields with the dispatch core's defaults.
// Mirrors the teacher's pkg/config/defaults.go: defaults are applied after
// unmarshal so an explicit zero in a config file is indistinguishable from
// "unset" for fields where zero is not itself meaningful.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyCoreDefaults(&cfg.Core)
	applyGSSDefaults(&cfg.GSS)
	applyDRCDefaults(&cfg.DRC)
}

func applyLoggingDefaults(l *LoggingConfig) {
	if l.Level == "" {
		l.Level = "INFO"
	}
	if l.Format == "" {
		l.Format = "text"
	}
	if l.Output == "" {
		l.Output = "stderr"
	}
}

func applyCoreDefaults(c *CoreConfig) {
	if c.NFSPort == 0 {
		c.NFSPort = 2049
	}
	if c.MountPort == 0 {
		c.MountPort = 20048
	}
	if c.NLMPort == 0 {
		c.NLMPort = 32803
	}
	if c.RQuotaPort == 0 {
		c.RQuotaPort = 875
	}
	if c.MaxSendBufBytes == 0 {
		c.MaxSendBufBytes = 1 << 20
	}
	if c.MaxRecvBufBytes == 0 {
		c.MaxRecvBufBytes = 1 << 20
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 1024
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	// MaxIOWorkerThreads stays 0: the dispatcher resolves it from
	// runtime.GOMAXPROCS(0) at construction time, not here.
	if c.KeepCnt == 0 {
		c.KeepCnt = 3
	}
	if c.KeepIdle == 0 {
		c.KeepIdle = 60 * time.Second
	}
	if c.KeepIntvl == 0 {
		c.KeepIntvl = 15 * time.Second
	}
	if c.DecoderFridgeExpirationDelay == 0 {
		c.DecoderFridgeExpirationDelay = 5 * time.Minute
	}
	if c.DecoderFridgeBlockTimeout == 0 {
		c.DecoderFridgeBlockTimeout = 5 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.AllNFSVers {
		c.EnableNFSv3 = true
		c.EnableNFSv4 = true
	}
	if !c.EnableNFSv3 && !c.EnableNFSv4 {
		c.EnableNFSv3 = true
	}
}

func applyGSSDefaults(g *GSSConfig) {
	if g.ContextPartitions == 0 {
		g.ContextPartitions = 16
	}
	if g.MaxContexts == 0 {
		g.MaxContexts = 4096
	}
	if g.GCInterval == 0 {
		g.GCInterval = time.Minute
	}
	if g.MaxIdle == 0 {
		g.MaxIdle = 30 * time.Minute
	}
}

func applyDRCDefaults(d *DRCConfig) {
	if d.Backend == "" {
		d.Backend = "memory"
	}
}
