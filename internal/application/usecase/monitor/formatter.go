package monitor

import (
	"fmt"
	"strings"

	"fundarb/internal/domain/model"
)

const (
	ansiReset    = "\033[0m"
	ansiRed      = "\033[31m"
	ansiGreen    = "\033[32m"
	ansiYellow   = "\033[33m"
	ansiDim      = "\033[2m"
	ansiClearEOL = "\033[K"
)

func colorize(s, c string) string { return c + s + ansiReset }

type Formatter struct {
	Color bool
}

func NewFormatter(color bool) *Formatter {
	return &Formatter{Color: color}
}

type RenderMode int

const (
	RenderLive RenderMode = iota
	RenderSnapshot
)

func (f *Formatter) paint(s, c string) string {
	if !f.Color {
		return s
	}
	return colorize(s, c)
}

func (f *Formatter) Render(st *State, mode RenderMode) string {
	snap := st.Snapshot()
	symbols := st.Symbols()

	var sb strings.Builder
	if mode == RenderLive {
		sb.WriteString("\r")
	}

	sb.WriteString(f.paint("[FUNDARB] ", ansiDim))

	for i, sym := range symbols {
		if i > 0 {
			sb.WriteString(f.paint("  ||  ", ansiDim))
		}
		ss := snap[sym]
		sb.WriteString(strings.TrimSuffix(sym, model.DefaultQuote))
		sb.WriteString(" ")

		pair := ss.rate.BestPair
		if !ss.seen || pair == nil {
			sb.WriteString(f.paint("--", ansiDim))
			continue
		}

		ret := fmt.Sprintf("%.2f%%", pair.AnnualizedReturn)
		switch ss.dir {
		case DirUp:
			ret += "↑"
		case DirDown:
			ret += "↓"
		}
		col := ansiDim
		switch ss.rate.Status {
		case model.StatusOpportunity:
			col = ansiGreen
		case model.StatusApproaching:
			col = ansiYellow
		}
		sb.WriteString(f.paint(ret, col))
		sb.WriteString(" ")
		sb.WriteString(fmt.Sprintf("L:%s S:%s", pair.LongExchange, pair.ShortExchange))

		if ss.rate.Payback != nil && ss.rate.Payback.Kind == model.PaybackTooMany {
			sb.WriteString(" ")
			sb.WriteString(f.paint("payback!", ansiRed))
		}
	}

	if mode == RenderLive {
		sb.WriteString(ansiClearEOL)
	}
	return sb.String()
}
