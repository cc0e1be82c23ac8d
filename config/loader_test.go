// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- 默认配置测试 ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// 验证服务器默认值
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)

	// 验证调度默认值
	assert.Equal(t, "cache_affinity", cfg.Scheduler.Mode)
	assert.Equal(t, "provider", cfg.Scheduler.PriorityMode)
	assert.Equal(t, 20, cfg.Scheduler.ProviderPageSize)
	assert.False(t, cfg.Scheduler.ConversionEnabled)

	// 验证自适应预留默认值
	assert.Equal(t, 0.10, cfg.Reservation.ProbeRatio)
	assert.Equal(t, 0.10, cfg.Reservation.MinRatio)
	assert.Equal(t, 0.35, cfg.Reservation.MaxRatio)

	// 验证故障转移默认值
	assert.Equal(t, "pre_expand", cfg.Failover.RetryMode)
	assert.Equal(t, 2, cfg.Failover.DefaultMaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Failover.StreamProbeTimeout)

	// 验证 Redis 默认值
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 0, cfg.Redis.DB)

	// 验证 Database 默认值
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)

	// 验证 Log 默认值
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestDefaultConfig_Valid(t *testing.T) {
	// 默认配置必须通过自身的验证
	require.NoError(t, DefaultConfig().Validate())
}

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	// 不指定配置文件，应该返回默认值
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "cache_affinity", cfg.Scheduler.Mode)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	// 创建临时配置文件
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s

scheduler:
  mode: "load_balance"
  priority_mode: "global_key"
  provider_page_size: 50

reservation:
  probe_ratio: 0.15
  min_ratio: 0.12
  max_ratio: 0.30

failover:
  retry_mode: "on_demand"
  default_max_retries: 3
  stream_probe_timeout: 45s

affinity:
  ttl: 2h

redis:
  addr: "redis.example.com:6379"
  password: "secret"
  db: 1

log:
  level: "debug"
  format: "console"
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	// 加载配置
	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	// 验证 YAML 值覆盖了默认值
	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, "load_balance", cfg.Scheduler.Mode)
	assert.Equal(t, "global_key", cfg.Scheduler.PriorityMode)
	assert.Equal(t, 50, cfg.Scheduler.ProviderPageSize)

	assert.Equal(t, 0.15, cfg.Reservation.ProbeRatio)
	assert.Equal(t, 0.12, cfg.Reservation.MinRatio)
	assert.Equal(t, 0.30, cfg.Reservation.MaxRatio)

	assert.Equal(t, "on_demand", cfg.Failover.RetryMode)
	assert.Equal(t, 3, cfg.Failover.DefaultMaxRetries)
	assert.Equal(t, 45*time.Second, cfg.Failover.StreamProbeTimeout)

	assert.Equal(t, 2*time.Hour, cfg.Affinity.TTL)

	assert.Equal(t, "redis.example.com:6379", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 1, cfg.Redis.DB)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath("/nonexistent/config.yaml").
		Load()
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Scheduler.ProviderPageSize)
}

func TestLoader_EnvOverride(t *testing.T) {
	t.Setenv("MODELGATE_SERVER_HTTP_PORT", "7777")
	t.Setenv("MODELGATE_SCHEDULER_MODE", "load_balance")
	t.Setenv("MODELGATE_FAILOVER_STREAM_PROBE_TIMEOUT", "10s")
	t.Setenv("MODELGATE_RESERVATION_MAX_RATIO", "0.25")
	t.Setenv("MODELGATE_LOG_OUTPUT_PATHS", "stdout, /var/log/modelgate.log")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, "load_balance", cfg.Scheduler.Mode)
	assert.Equal(t, 10*time.Second, cfg.Failover.StreamProbeTimeout)
	assert.Equal(t, 0.25, cfg.Reservation.MaxRatio)
	assert.Equal(t, []string{"stdout", "/var/log/modelgate.log"}, cfg.Log.OutputPaths)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("GATE_REDIS_DB", "3")

	cfg, err := NewLoader().WithEnvPrefix("GATE").Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Redis.DB)
}

func TestLoader_Validator(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			return c.Validate()
		}).
		Load()
	require.NoError(t, err)
}

// --- 验证测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "默认配置有效",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "非法端口",
			mutate:  func(c *Config) { c.Server.HTTPPort = -1 },
			wantErr: true,
		},
		{
			name:    "分页大小为零",
			mutate:  func(c *Config) { c.Scheduler.ProviderPageSize = 0 },
			wantErr: true,
		},
		{
			name: "预留下界大于上界",
			mutate: func(c *Config) {
				c.Reservation.MinRatio = 0.5
				c.Reservation.MaxRatio = 0.2
			},
			wantErr: true,
		},
		{
			name:    "探测超时为零",
			mutate:  func(c *Config) { c.Failover.StreamProbeTimeout = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// --- DSN 测试 ---

func TestDatabaseConfig_DSN(t *testing.T) {
	pg := DatabaseConfig{
		Driver: "postgres", Host: "db", Port: 5432,
		User: "u", Password: "p", Name: "gate", SSLMode: "disable",
	}
	assert.Equal(t,
		"host=db port=5432 user=u password=p dbname=gate sslmode=disable",
		pg.DSN())

	my := DatabaseConfig{
		Driver: "mysql", Host: "db", Port: 3306,
		User: "u", Password: "p", Name: "gate",
	}
	assert.Equal(t, "u:p@tcp(db:3306)/gate?parseTime=true", my.DSN())

	lite := DatabaseConfig{Driver: "sqlite", Name: "file::memory:?cache=shared"}
	assert.Equal(t, "file::memory:?cache=shared", lite.DSN())

	unknown := DatabaseConfig{Driver: "oracle"}
	assert.Equal(t, "", unknown.DSN())
}
