// Copyright 2026 fanjia1024
// Secret management abstraction

package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrSecretNotFound secret 不存在
var ErrSecretNotFound = errors.New("secrets: not found")

// Store Secret 存储接口
type Store interface {
	// Get 获取 secret 值
	Get(ctx context.Context, key string) (string, error)
}

// Config Secret Store 配置
type Config struct {
	Provider string // vault | env | memory
	Vault    VaultConfig
}

// NewStore 创建 Secret Store
func NewStore(config Config) (Store, error) {
	switch strings.ToLower(config.Provider) {
	case "memory":
		return NewMemoryStore(), nil
	case "", "env":
		return NewEnvStore(), nil
	case "vault":
		return NewVaultStore(config.Vault)
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s", config.Provider)
	}
}

// Resolve 优先使用明文值；明文为空且 key 非空时从 store 读取
func Resolve(ctx context.Context, store Store, plain, key string) (string, error) {
	if plain != "" && !strings.HasPrefix(plain, "$") {
		return plain, nil
	}
	if key == "" || store == nil {
		return plain, nil
	}
	return store.Get(ctx, key)
}
