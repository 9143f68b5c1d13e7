// Copyright 2026 fanjia1024
// Environment-variable backed secret store

package secrets

import (
	"context"
	"fmt"
	"os"
)

type envStore struct{}

// NewEnvStore 从进程环境变量读取 secret
func NewEnvStore() Store {
	return &envStore{}
}

func (e *envStore) Get(ctx context.Context, key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%w: environment variable %s", ErrSecretNotFound, key)
	}
	return value, nil
}
