package console

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"fundarb/internal/application/port"
)

// Sink 终端输出：实时行原地覆盖，快照行追加
type Sink struct {
	mu  sync.Mutex
	out io.Writer
}

// NewSink out 为空时写标准输出
func NewSink(out io.Writer) port.Sink {
	if out == nil {
		out = os.Stdout
	}
	return &Sink{out: out}
}

func (s *Sink) WriteLive(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprint(s.out, line) // no newline
	return err
}

// WriteSnapshot 打印带时间的快照行，并留一个空行给后续的实时行
func (s *Sink) WriteSnapshot(ts time.Time, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.out, "\n%s %s\n\n", ts.Format("2006-01-02 15:04:05"), line)
	return err
}

func (s *Sink) NewLine() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprint(s.out, "\n")
	return err
}
