// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package pairing

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	bannerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("6")).
			Padding(0, 2)
	codeStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("11"))
	hintStyle = lipgloss.NewStyle().
			Faint(true)
)

// Banner writes the pairing code for the operator. Terminals get a boxed,
// spaced-out code; pipes and log files get a single greppable line.
func Banner(w io.Writer, code, healthURL string) {
	if !isTerminal(w) {
		fmt.Fprintf(w, "pairing code: %s (agent: %s)\n", code, healthURL)
		return
	}

	spaced := strings.Join(strings.Split(code, ""), " ")
	body := lipgloss.JoinVertical(lipgloss.Left,
		"Local agent pairing code",
		"",
		codeStyle.Render(spaced),
		"",
		hintStyle.Render("Enter this code in the browser when asked."),
		hintStyle.Render(healthURL),
	)
	fmt.Fprintln(w, bannerStyle.Render(body))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
