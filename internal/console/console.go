// Package console formats small startup banners for process logs.
package console

import (
	"fmt"
	"strings"
)

// DefaultLineSize is the line width used by Title.
const DefaultLineSize = 80

// Line returns a single rule of the given size. Eg: -------.
func Line(size int) string {
	return strings.Repeat("-", size)
}

// DoubleLine returns a doubled rule of the given size. Eg: ========.
func DoubleLine(size int) string {
	return strings.Repeat("=", size)
}

// Title centers title between two double rules. Eg: ===== title =====.
func Title(title string) string {
	title = fmt.Sprintf(" %s ", title)
	startIndex := (DefaultLineSize / 2) - (len(title) / 2)
	delta := len(title) % 2

	return fmt.Sprintf("%s%s%s",
		DoubleLine(startIndex),
		title,
		DoubleLine(startIndex+delta))
}
