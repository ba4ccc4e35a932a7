package consts

// 凭证生命周期状态
const (
	StatusActive    = "active"
	StatusInvalid   = "invalid"
	StatusExpired   = "expired"
	StatusSuspended = "suspended"
)

// 凭证可见性
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// 凭证认证方式，决定刷新协议分支
const (
	AuthTypeSocial = "social"
	AuthTypeIDC    = "idc"
)

// Redis key 族，%d 为凭证 id
const (
	RedisKeyAllocLock   = "poolio:lock:alloc"
	RedisKeyLeaderLock  = "poolio:lock:leader"
	RedisKeyScores      = "poolio:scores"
	RedisKeySelfUseMode = "poolio:selfuse"
	RedisKeyLastPick    = "poolio:lastpick"

	RedisKeyRPM        = "poolio:rpm:%d"
	RedisKeyRPH        = "poolio:rph:%d"
	RedisKeyConcurrent = "poolio:conc:%d"
	RedisKeyConsec     = "poolio:consec:%d"
	RedisKeyCooldown   = "poolio:cd:%d"
)

// 冷却 key 的挂起标记值，无 TTL
const CooldownSuspendedMark = "suspended"

// 发布订阅频道
const (
	ChannelConfigReload = "poolio:config:reload"
	ChannelOwnerNotify  = "poolio:notify"
)
