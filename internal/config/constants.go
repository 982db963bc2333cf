package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const (
	CleanupJobInterval   = 5 * time.Minute
	CleanupJobTimeout    = 30 * time.Second
	// Ended and expired rows are swept once older than this. CreateSession
	// may reclaim a dead row's code before then; reads never see dead rows.
	DeadSessionRetention = time.Hour
)

// Watch party rules
const (
	SessionCodeLength       = 6
	SessionCodeAttempts     = 5
	MessageMaxRunes         = 500
	TransientRetryAttempts  = 3
	TransientRetryBaseDelay = 100 * time.Millisecond
)

// Playback synchronization
const (
	DriftTolerance       = 2 * time.Second
	SeekThreshold        = 2 * time.Second
	PollInterval         = 2 * time.Second
	HostSyncInterval     = time.Second
	SocketHeartbeatEvery = 30 * time.Second
)

// Upper bound on a fan-out transport subscribe handshake.
const FanoutSubscribeTimeout = 5 * time.Second

// Default rate limiting
const (
	DefaultRateLimitPerMin   = 120
	CreatePartyLimitPerMin   = 10
	DefaultMaxBodySize int64 = 64 << 10
)
