// Package diagnostics formats heap and reducer events and prints them in
// a consistent way, following the same Diagnostic/WriteTo shape the
// original compiler's diagnostics package uses for build errors.
package diagnostics

import (
	"fmt"
	"io"
	"sort"

	"github.com/mattn/go-colorable"
)

// Level classifies a Diagnostic's severity.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ansiColor returns the ANSI color escape for l, or "" for no color.
func (l Level) ansiColor() string {
	switch l {
	case LevelWarn:
		return "\x1b[33m"
	case LevelError:
		return "\x1b[31m"
	default:
		return ""
	}
}

// Diagnostic is a single reported event: a GC cycle completing, a
// reducer rejecting a function, and similar occurrences a caller may want
// surfaced without treating them as Go errors.
type Diagnostic struct {
	Level Level
	// Source names the subsystem the diagnostic came from, e.g. "heap" or
	// "phi".
	Source string
	// Func, if non-empty, names the offending function, per spec.md §7's
	// "reducer failures include the offending function's identifier".
	Func string
	Msg  string
}

// FuncDiagnostic is a convenience constructor for a reducer diagnostic
// naming the function it concerns.
func FuncDiagnostic(level Level, fn, msg string) Diagnostic {
	return Diagnostic{Level: level, Source: "phi", Func: fn, Msg: msg}
}

// Program is an ordered collection of diagnostics, sorted for stable
// output before printing.
type Program []Diagnostic

// Sort orders diagnostics by source, then by function name, then by
// message, for deterministic output across runs.
func (p Program) Sort() {
	sort.SliceStable(p, func(i, j int) bool {
		if p[i].Source != p[j].Source {
			return p[i].Source < p[j].Source
		}
		if p[i].Func != p[j].Func {
			return p[i].Func < p[j].Func
		}
		return p[i].Msg < p[j].Msg
	})
}

// WriteTo writes every diagnostic in p to w, one per line, colorized by
// level.
func (p Program) WriteTo(w io.Writer) {
	for _, d := range p {
		d.WriteTo(w)
	}
}

// WriteTo writes a single diagnostic to w as "<source>: [<func>] <msg>",
// wrapped in an ANSI color escape for warn and error levels whatever w is.
func (d Diagnostic) WriteTo(w io.Writer) {
	reset := ""
	color := d.Level.ansiColor()
	if color != "" {
		reset = "\x1b[0m"
	}
	if d.Func != "" {
		fmt.Fprintf(w, "%s%s: [%s] %s%s\n", color, d.Source, d.Func, d.Msg, reset)
		return
	}
	fmt.Fprintf(w, "%s%s: %s%s\n", color, d.Source, d.Msg, reset)
}

// Stderr returns a colorable writer over os.Stderr, which translates ANSI
// color escapes for a Windows console. Escapes are not stripped: when
// stderr is redirected to a file or pipe they are written through as-is.
func Stderr() io.Writer {
	return colorable.NewColorableStderr()
}

// Stdout returns a colorable writer over os.Stdout, with the same
// behavior as Stderr.
func Stdout() io.Writer {
	return colorable.NewColorableStdout()
}
