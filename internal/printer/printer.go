// Package printer renders CLI output with consistent colors and prefixes.
// Agent and orchestrator logs go through zap; this package is only for the
// human-facing command output.
package printer

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
)

func init() {
	// Keep color on when piped; NO_COLOR opts out.
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

// Success prints a green checkmarked message.
func Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		green.Printf("✓ %s", msg)
		return
	}
	green.Print(msg)
}

// Warning prints a yellow warning message.
func Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		yellow.Printf("⚠️  %s", msg)
		return
	}
	yellow.Print(msg)
}

// Failure prints a bold red crossed message.
func Failure(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✗") {
		red.Printf("✗ %s", msg)
		return
	}
	red.Print(msg)
}

// Error writes a titled explanation with optional suggestions to stderr and
// returns a short error carrying just the title, which keeps cobra's own
// error line readable.
func Error(title string, explanation string, suggestions []string) error {
	red.Fprintf(os.Stderr, "%s\n\n", title)
	fmt.Fprintf(os.Stderr, "%s\n", explanation)

	if len(suggestions) > 0 {
		fmt.Fprintf(os.Stderr, "\n")
		if len(suggestions) == 1 {
			fmt.Fprintf(os.Stderr, "%s\n", suggestions[0])
		} else {
			fmt.Fprintf(os.Stderr, "Either:\n")
			for i, s := range suggestions {
				fmt.Fprintf(os.Stderr, "  %d. %s\n", i+1, s)
			}
		}
	}

	return fmt.Errorf("%s", title)
}

// Step prints a cyan arrow line, used for section headings in status output.
func Step(format string, a ...any) {
	cyan.Printf("→ %s", fmt.Sprintf(format, a...))
}

// Println prints an uncolored line.
func Println(a ...any) {
	fmt.Println(a...)
}

// Printf prints an uncolored formatted message.
func Printf(format string, a ...any) {
	fmt.Printf(format, a...)
}
