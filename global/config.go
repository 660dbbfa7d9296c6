package global

import (
	"context"
	"os"
	"strconv"

	mgoSrv "PulseChat/service/mgo"
	redis "PulseChat/service/storage/redis"
	ids "PulseChat/tools/ids"
)

func ConfigAll() {
	ConfigIds()
	ConfigRedis()
	ConfigMgo()
}

func ConfigIds() {
	node := int64(100)
	if v := os.Getenv("NODE_NUM"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			node = n
		}
	}
	ids.SetNodeID(node)
}

func GetJwtSecret() []byte {
	if v := os.Getenv("JWT_SECRET"); v != "" {
		return []byte(v)
	}
	return []byte("mN9b1f8zPq+W2xjX/45sKcVd0TfyoG+3Hp5Z8q9Rj1o=")
}

func ConfigRedis() {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	config := redis.Config{
		Addr: addr, Password: os.Getenv("REDIS_PASSWORD"), DB: 0,
	}
	err := redis.InitRedis(config)
	if err != nil {
		return
	}
}

func ConfigMgo() {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}
	db := os.Getenv("MONGO_DB")
	if db == "" {
		db = "pulseChat"
	}

	cfg := &mgoSrv.Config{
		Uri:         uri,
		Database:    db,
		MaxPoolSize: 20,
		Username:    os.Getenv("MONGO_USER"),
		Password:    os.Getenv("MONGO_PASSWORD"),
	}

	// 异步启动：首次连上 close Ready()，掉线自动重连
	mgoSrv.StartAsync(context.Background(), cfg)
}

func GetTenantID() string {
	if v := os.Getenv("TENANT_ID"); v != "" {
		return v
	}
	return "tenant_001"
}
