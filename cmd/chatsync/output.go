package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

var (
	colorRed    = color.New(color.FgRed)
	colorGreen  = color.New(color.FgGreen)
	colorYellow = color.New(color.FgYellow)
	colorCyan   = color.New(color.FgCyan)
	colorBold   = color.New(color.Bold)
	colorFaint  = color.New(color.Faint)
)

// stderr receives notices; tests swap it out.
var stderr io.Writer = os.Stderr

func colorize(c *color.Color, text string) string {
	if noColor {
		return text
	}
	return c.Sprint(text)
}

// notice prints one marked line such as "✓ saved".
func notice(c *color.Color, mark, format string, args []any) {
	fmt.Fprintln(stderr, colorize(c, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { notice(colorGreen, "✓", format, args) }
func printError(format string, args ...any)   { notice(colorRed, "✗", format, args) }
func printWarning(format string, args ...any) { notice(colorYellow, "⚠", format, args) }
func printStep(format string, args ...any)    { notice(colorCyan, "→", format, args) }

// printStatus prints an indented "label: value" row for `chatsync status`.
func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(stderr, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}
