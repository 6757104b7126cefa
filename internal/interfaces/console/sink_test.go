package console

import (
	"bytes"
	"testing"
	"time"
)

func TestSinkWrites(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf)
	_ = s.WriteLive("\rBTC 12.00%")
	_ = s.WriteSnapshot(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), "BTC 12.00%")
	_ = s.NewLine()

	want := "\rBTC 12.00%\n2025-01-02 03:04:05 BTC 12.00%\n\n\n"
	if buf.String() != want {
		t.Fatalf("output = %q, want %q", buf.String(), want)
	}
}
