package cnst

const (
	AppName     = "kefu"
	CommandName = "kefu-server"
)

const (
	KefuYaml = "kefu.yaml"
)

const (
	RedisClusterTypeSingle   = "single"
	RedisClusterTypeSentinel = "sentinel"
	RedisClusterTypeCluster  = "cluster"
)

// StoreType names a backend for the presence store or message log
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeDB     StoreType = "db"
)

func (s StoreType) String() string {
	return string(s)
}
