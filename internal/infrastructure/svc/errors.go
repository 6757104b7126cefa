package svc

import "errors"

// ErrNoExchangesEnabled 错误：没有启用任何交易所
var ErrNoExchangesEnabled = errors.New("no exchanges enabled")

// ErrStorageInitFailed 错误：存储初始化失败
var ErrStorageInitFailed = errors.New("storage initialization failed")
