package port

import "time"

// Sink 费率监控的控制台输出端口
type Sink interface {
	// WriteLive 覆盖当前行
	WriteLive(line string) error
	// WriteSnapshot 追加带时间戳的快照行，并为后续实时行留出空行
	WriteSnapshot(ts time.Time, line string) error
	NewLine() error
}
