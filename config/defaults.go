// =============================================================================
// 📦 ModelGate 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:      DefaultServerConfig(),
		Redis:       DefaultRedisConfig(),
		Database:    DefaultDatabaseConfig(),
		Scheduler:   DefaultSchedulerConfig(),
		Reservation: DefaultReservationConfig(),
		Failover:    DefaultFailoverConfig(),
		Affinity:    DefaultAffinityConfig(),
		Breaker:     DefaultBreakerConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "modelgate",
		Password:        "",
		Name:            "modelgate",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultSchedulerConfig 返回默认调度配置
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Mode:              "cache_affinity",
		PriorityMode:      "provider",
		ProviderPageSize:  20,
		ConversionEnabled: false,
	}
}

// DefaultReservationConfig 返回默认自适应预留配置
func DefaultReservationConfig() ReservationConfig {
	return ReservationConfig{
		ProbeRatio:               0.10,
		MinRatio:                 0.10,
		MaxRatio:                 0.35,
		StablePromoteSuccesses:   20,
		StablePromoteAdjustments: 5,
	}
}

// DefaultFailoverConfig 返回默认故障转移配置
func DefaultFailoverConfig() FailoverConfig {
	return FailoverConfig{
		RetryMode:          "pre_expand",
		DefaultMaxRetries:  2,
		StreamProbeTimeout: 30 * time.Second,
		RetryCachedOnly:    false,
	}
}

// DefaultAffinityConfig 返回默认缓存亲和配置
func DefaultAffinityConfig() AffinityConfig {
	return AffinityConfig{
		TTL:       time.Hour,
		KeyPrefix: "modelgate:affinity",
	}
}

// DefaultBreakerConfig 返回默认熔断配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenDuration:     60 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "modelgate",
		SampleRate:   0.1,
	}
}
