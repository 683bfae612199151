package ui

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// ColorMode selects when cg writes ANSI colors.
type ColorMode string

const (
	ColorAuto   ColorMode = "auto"
	ColorAlways ColorMode = "always"
	ColorNever  ColorMode = "never"
)

// ParseColorMode accepts auto, always or never, and the boolean spellings
// people tend to put in CONVGRAPH_COLOR. Empty means auto.
func ParseColorMode(s string) (ColorMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ColorAuto, nil
	case "always", "on", "true", "1", "yes":
		return ColorAlways, nil
	case "never", "off", "false", "0", "no":
		return ColorNever, nil
	default:
		return ColorAuto, fmt.Errorf("invalid color mode %q (must be auto, always or never)", s)
	}
}

// ColorModeFromEnv reads CONVGRAPH_COLOR. An unrecognized value is treated
// as auto so a typo never breaks the CLI.
func ColorModeFromEnv() ColorMode {
	mode, err := ParseColorMode(os.Getenv("CONVGRAPH_COLOR"))
	if err != nil {
		return ColorAuto
	}
	return mode
}

// ShouldUseColor returns true when ANSI colors should be used on stdout.
func ShouldUseColor() bool {
	return ColorEnabled(ColorModeFromEnv(), os.Stdout)
}

// ColorEnabled resolves mode for out. An explicit always or never wins;
// auto defers to NO_COLOR and the CLICOLOR variables, then to whether out
// is a terminal.
func ColorEnabled(mode ColorMode, out *os.File) bool {
	switch mode {
	case ColorAlways:
		return true
	case ColorNever:
		return false
	}
	// https://no-color.org: any non-empty value disables color.
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if strings.TrimSpace(os.Getenv("CLICOLOR_FORCE")) == "1" {
		return true
	}
	if strings.TrimSpace(os.Getenv("CLICOLOR")) == "0" {
		return false
	}
	return out != nil && term.IsTerminal(int(out.Fd()))
}
