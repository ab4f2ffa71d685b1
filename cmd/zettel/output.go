package main

import (
	"fmt"
	"io"
	"os"

	"github.com/kalambet/zettel/internal/session"
	"github.com/kalambet/zettel/internal/storage"
	"github.com/kalambet/zettel/internal/vault"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiBold   = "\033[1m"
	ansiDim    = "\033[2m"
)

// stderr receives progress lines and diagnostics. Command results go to the
// command's own output writer.
var stderr io.Writer = os.Stderr

// tone is the leading mark and color of a notice line.
type tone struct {
	mark string
	ansi string
}

var (
	toneOK   = tone{"✓", ansiGreen}
	toneFail = tone{"✗", ansiRed}
	toneWarn = tone{"⚠", ansiYellow}
	toneStep = tone{"→", ansiCyan}
)

func paint(ansi, text string) string {
	if noColor {
		return text
	}
	return ansi + text + ansiReset
}

func notify(t tone, format string, args ...any) {
	fmt.Fprintln(stderr, paint(t.ansi, t.mark+" "+fmt.Sprintf(format, args...)))
}

// field writes an indented "label: value" line of the status report.
func field(label, format string, args ...any) {
	fmt.Fprintf(stderr, "  %s %s\n", paint(ansiBold, label+":"), fmt.Sprintf(format, args...))
}

func writeQuestion(w io.Writer, target, question string) {
	fmt.Fprintf(w, "%s [%s] %s\n", paint(ansiYellow, "?"), target, question)
}

func writeDocument(w io.Writer, d session.Document) {
	fmt.Fprintf(w, "%s %s %s %s\n", vault.Glyph(d.Type), paint(ansiDim, d.ID), d.Title, paint(ansiDim, "("+d.Path+")"))
}

// runState pads status to a fixed column before coloring it, so the escape
// codes do not shift the columns that follow.
func runState(status string) string {
	cell := fmt.Sprintf("%-9s", status)
	switch status {
	case storage.RunSucceeded:
		return paint(ansiGreen, cell)
	case storage.RunFailed:
		return paint(ansiRed, cell)
	}
	return cell
}

// plural returns "1 note" or "3 notes".
func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}

// shortRef abbreviates a commit sha; directory-vault digests are shortened the same way.
func shortRef(ref string) string {
	if len(ref) > 12 {
		return ref[:12]
	}
	return ref
}
