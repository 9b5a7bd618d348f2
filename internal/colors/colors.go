// Package colors holds the terminal styles used by the dscmap commands.
//
// Colors are disabled automatically when stdout is not a terminal; fatih/color
// does the detection and Init lets the --color flag override it.
package colors

import "github.com/fatih/color"

// Init overrides the auto-detected color setting.
//   - forceColor == nil: keep the detected value
//   - forceColor == true: force colors on
//   - forceColor == false: force colors off
func Init(forceColor *bool) {
	if forceColor != nil {
		color.NoColor = !*forceColor
	}
}

// Enabled returns true if colors are currently enabled.
func Enabled() bool {
	return !color.NoColor
}

// Styles for the pieces of a shared cache that the commands print.
func Address() *color.Color { return color.New(color.Faint, color.FgMagenta) }
func Path() *color.Color    { return color.New(color.Bold, color.FgHiBlue) }
func Key() *color.Color     { return color.New(color.Bold, color.FgHiWhite) }
func Value() *color.Color   { return color.New(color.FgHiCyan) }
func Size() *color.Color    { return color.New(color.FgHiYellow) }
func Prot() *color.Color    { return color.New(color.FgHiGreen) }
func Symbol() *color.Color  { return color.New(color.FgGreen) }
func Zero() *color.Color    { return color.New(color.Italic, color.Faint) }

// Status styles for validation results.
func OK() *color.Color   { return color.New(color.Bold, color.FgHiGreen) }
func Fail() *color.Color { return color.New(color.Bold, color.FgHiRed) }
func Warn() *color.Color { return color.New(color.Bold, color.FgHiYellow) }
