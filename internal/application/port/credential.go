package port

import (
	"context"

	"fundarb/internal/domain/model"
)

// CredentialStore 解密后的 API 凭证来源，无可用凭证时返回 NotFound 类错误
type CredentialStore interface {
	GetDecryptedAPIKey(ctx context.Context, userID string, exchange model.ExchangeID) (model.Credential, error)
}
