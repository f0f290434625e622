package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ANSI color codes for terminal styling.
const (
	ansiReset     = "\033[0m"
	ansiBold      = "\033[1m"
	ansiCyan      = "\033[96m"
	ansiUnderline = "\033[4m"
)

type welcomeBannerOptions struct {
	Version  string
	URL      string
	Endpoint string
	Models   int
	Locked   bool
	Signing  bool
}

func printWelcomeBanner(w io.Writer, opts welcomeBannerOptions) {
	width := terminalWidth(w)
	useANSI := isTerminalWriter(w)

	logo := []string{
		"   ██████  ██████   ",
		"  ██    ████    ██  ",
		"  ██  flowerchat ██ ",
		"  ██    ████    ██  ",
		"   ██████  ██████   ",
	}

	fmt.Fprintln(w)
	for _, line := range logo {
		fmt.Fprintln(w, center(line, width))
	}
	fmt.Fprintln(w)

	if version := strings.TrimSpace(opts.Version); version != "" {
		fmt.Fprintln(w, center(fmt.Sprintf("Version: %s", version), width))
	}
	if u := strings.TrimSpace(opts.URL); u != "" {
		line := fmt.Sprintf("URL: %s", styleURL(u+opts.Endpoint, useANSI))
		fmt.Fprintln(w, centerWithAnsi(line, width))
	}
	fmt.Fprintln(w, center(fmt.Sprintf("Models: %d", opts.Models), width))

	var access []string
	if opts.Locked {
		access = append(access, "password")
	}
	if opts.Signing {
		access = append(access, "signed requests")
	}
	if len(access) == 0 {
		access = append(access, "open")
	}
	fmt.Fprintln(w, center("Access: "+strings.Join(access, " + "), width))
	fmt.Fprintln(w)
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return 0
	}
	return width
}

func styleURL(url string, enabled bool) string {
	if !enabled {
		return url
	}
	return fmt.Sprintf("%s%s%s%s", ansiCyan, ansiUnderline, url, ansiReset)
}

func center(text string, width int) string {
	if width <= 0 {
		return "  " + text
	}
	textLen := len([]rune(text))
	if textLen >= width {
		return text
	}
	return strings.Repeat(" ", (width-textLen)/2) + text
}

func stripAnsi(s string) string {
	for _, code := range []string{ansiReset, ansiBold, ansiCyan, ansiUnderline} {
		s = strings.ReplaceAll(s, code, "")
	}
	return s
}

func centerWithAnsi(text string, width int) string {
	if width <= 0 {
		return "  " + text
	}
	textLen := len([]rune(stripAnsi(text)))
	if textLen >= width {
		return text
	}
	return strings.Repeat(" ", (width-textLen)/2) + text
}
