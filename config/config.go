package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Tier 风控升级表中的一档：达到 Threshold 次连续失败后执行对应动作
type Tier struct {
	Threshold int
	Cooldown  time.Duration
	Suspend   bool
}

// Limits 单凭证的用量上限
type Limits struct {
	RPM            int64
	RPH            int64
	MaxConcurrent  int64
	MaxConsecutive int64
	MinSuccessRate float64
	GraceAttempts  int64
}

type Config struct {
	Listen    string
	Token     string
	DBPath    string
	SecretKey string

	ClusterEnabled bool
	SelfUseMode    bool
	RedisAddr      string
	RedisPassword  string
	NodeID         string

	Limits Limits
	Tiers  []Tier

	SyncInterval    time.Duration
	ElectorInterval time.Duration
	LeaderLockTTL   time.Duration
	AllocLockTTL    time.Duration
	AllocLockWait   time.Duration

	AuditMinGap      time.Duration
	AuditJitter      time.Duration
	RefreshThreshold time.Duration
	RefreshRetryBase time.Duration
	RefreshRetryMax  int

	SocialTokenURL string
	IDCTokenURL    string

	UpstreamOpenAIURL    string
	UpstreamAnthropicURL string
}

// Load 读取 .env 与环境变量，缺省值与生产默认一致
func Load() Config {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file, using environment only")
	}

	return Config{
		Listen:    getenv("LISTEN", ":7070"),
		Token:     os.Getenv("TOKEN"),
		DBPath:    getenv("DB_PATH", "./db/poolio.db"),
		SecretKey: os.Getenv("SECRET_KEY"),

		ClusterEnabled: getbool("CLUSTER_ENABLED", false),
		SelfUseMode:    getbool("SELF_USE_MODE", false),
		RedisAddr:      getenv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		NodeID:         os.Getenv("NODE_ID"),

		Limits: Limits{
			RPM:            getint("LIMIT_RPM", 10),
			RPH:            getint("LIMIT_RPH", 300),
			MaxConcurrent:  getint("LIMIT_CONCURRENT", 3),
			MaxConsecutive: getint("LIMIT_CONSECUTIVE", 5),
			MinSuccessRate: getfloat("MIN_SUCCESS_RATE", 0.7),
			GraceAttempts:  getint("GRACE_ATTEMPTS", 10),
		},
		Tiers: parseTiers(getenv("RISK_TIERS", "2:300,3:1800,5:suspend")),

		SyncInterval:    getdur("SYNC_INTERVAL", 30*time.Second),
		ElectorInterval: getdur("ELECTOR_INTERVAL", 30*time.Second),
		LeaderLockTTL:   getdur("LEADER_LOCK_TTL", 60*time.Second),
		AllocLockTTL:    getdur("ALLOC_LOCK_TTL", 3*time.Second),
		AllocLockWait:   getdur("ALLOC_LOCK_WAIT", 2*time.Second),

		AuditMinGap:      getdur("AUDIT_MIN_GAP", 2*time.Second),
		AuditJitter:      getdur("AUDIT_JITTER", time.Second),
		RefreshThreshold: getdur("REFRESH_THRESHOLD", 600*time.Second),
		RefreshRetryBase: getdur("REFRESH_RETRY_BASE", time.Second),
		RefreshRetryMax:  int(getint("REFRESH_RETRY_MAX", 3)),

		SocialTokenURL: getenv("SOCIAL_TOKEN_URL", "https://auth.upstream.example.com/oauth/token"),
		IDCTokenURL:    getenv("IDC_TOKEN_URL", "https://idc.upstream.example.com/api/v1/oauth/token"),

		UpstreamOpenAIURL:    getenv("UPSTREAM_OPENAI_URL", "https://api.openai.com/v1"),
		UpstreamAnthropicURL: getenv("UPSTREAM_ANTHROPIC_URL", "https://api.anthropic.com/v1"),
	}
}

// parseTiers 解析 "2:300,3:1800,5:suspend" 形式的升级表，按阈值升序返回
func parseTiers(raw string) []Tier {
	var tiers []Tier
	for _, part := range strings.Split(raw, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(kv) != 2 {
			continue
		}
		threshold, err := strconv.Atoi(kv[0])
		if err != nil || threshold <= 0 {
			continue
		}
		if kv[1] == "suspend" {
			tiers = append(tiers, Tier{Threshold: threshold, Suspend: true})
			continue
		}
		secs, err := strconv.Atoi(kv[1])
		if err != nil || secs <= 0 {
			continue
		}
		tiers = append(tiers, Tier{Threshold: threshold, Cooldown: time.Duration(secs) * time.Second})
	}
	for i := 1; i < len(tiers); i++ {
		for j := i; j > 0 && tiers[j].Threshold < tiers[j-1].Threshold; j-- {
			tiers[j], tiers[j-1] = tiers[j-1], tiers[j]
		}
	}
	return tiers
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getbool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getint(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getfloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getdur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
