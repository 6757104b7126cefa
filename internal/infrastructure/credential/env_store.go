package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"

	"fundarb/internal/domain/model"
)

// EnvStore 从环境变量（以及可选的 .env 文件）读取 API 凭证
// 变量名: <PREFIX>_<USER>_<EXCHANGE>_API_KEY / _API_SECRET / _PASSPHRASE
type EnvStore struct {
	prefix string
	lookup func(string) (string, bool)

	mu    sync.RWMutex
	items map[string]string // .env 中的值，优先级低于进程环境变量
}

// NewEnvStore 创建凭证存储，envFile 不存在时忽略
func NewEnvStore(envFile, prefix string) (*EnvStore, error) {
	s := &EnvStore{prefix: strings.ToUpper(prefix), lookup: os.LookupEnv, items: map[string]string{}}
	if envFile == "" {
		return s, nil
	}
	items, err := godotenv.Read(envFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read %s: %w", envFile, err)
	}
	s.items = items
	return s, nil
}

// NewMapStore 直接使用给定的键值（测试与嵌入使用）
func NewMapStore(prefix string, items map[string]string) *EnvStore {
	return &EnvStore{
		prefix: strings.ToUpper(prefix),
		lookup: func(string) (string, bool) { return "", false },
		items:  items,
	}
}

func (s *EnvStore) key(userID string, exchange model.ExchangeID, field string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, userID)
	return strings.ToUpper(fmt.Sprintf("%s_%s_%s_%s", s.prefix, clean, exchange, field))
}

func (s *EnvStore) get(name string) string {
	if v, ok := s.lookup(name); ok {
		return strings.TrimSpace(v)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return strings.TrimSpace(s.items[name])
}

// GetDecryptedAPIKey 读取凭证，缺少 key 或 secret 时返回 NotFound
func (s *EnvStore) GetDecryptedAPIKey(_ context.Context, userID string, exchange model.ExchangeID) (model.Credential, error) {
	cred := model.Credential{
		Exchange:   exchange,
		APIKey:     s.get(s.key(userID, exchange, "API_KEY")),
		APISecret:  s.get(s.key(userID, exchange, "API_SECRET")),
		Passphrase: s.get(s.key(userID, exchange, "PASSPHRASE")),
	}
	if cred.APIKey == "" || cred.APISecret == "" {
		return model.Credential{}, model.NotFoundError(fmt.Sprintf("no active %s api key for user %s", exchange, userID)).
			WithDetail("exchange", string(exchange))
	}
	if exchange == model.ExchangeOKX && cred.Passphrase == "" {
		return model.Credential{}, model.ValidationError(model.CodeInvalidRequest, "okx api key requires a passphrase").
			WithDetail("exchange", string(exchange))
	}
	return cred, nil
}

// Set 运行时写入（管理端更新密钥）
func (s *EnvStore) Set(userID string, cred model.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[s.key(userID, cred.Exchange, "API_KEY")] = cred.APIKey
	s.items[s.key(userID, cred.Exchange, "API_SECRET")] = cred.APISecret
	s.items[s.key(userID, cred.Exchange, "PASSPHRASE")] = cred.Passphrase
}
