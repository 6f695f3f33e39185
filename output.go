package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"httpdns/resolver"
)

const defaultTermWidth = 100

func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// termWidth is the width of the attached terminal, or a default when output
// is redirected.
func termWidth() int {
	if !stdoutIsTerminal() {
		return defaultTermWidth
	}
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return defaultTermWidth
	}
	return w
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatResult renders one lookup as a single line, truncated to width.
func formatResult(res *resolver.Result, width int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-30s", res.Host)
	if len(res.IPs) > 0 {
		fmt.Fprintf(&b, " A %s (ttl %d)", strings.Join(res.IPs, ","), res.V4TTL)
	}
	if len(res.IPv6s) > 0 {
		fmt.Fprintf(&b, " AAAA %s (ttl %d)", strings.Join(res.IPv6s, ","), res.V6TTL)
	}
	if res.Empty() {
		b.WriteString(" no addresses")
	}
	var tags []string
	if res.Expired {
		tags = append(tags, "expired")
	}
	if res.FromStore {
		tags = append(tags, "stored")
	}
	if res.Degraded {
		tags = append(tags, "local-dns")
	}
	if len(tags) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(tags, ","))
	}
	line := b.String()
	if width > 3 && len(line) > width {
		line = line[:width-3] + "..."
	}
	return line
}
