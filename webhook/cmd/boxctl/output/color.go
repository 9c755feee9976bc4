package output

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ANSI attributes
const (
	reset = "\033[0m"

	FgRed    = 31
	FgGreen  = 32
	FgYellow = 33
	FgCyan   = 36
	FgWhite  = 37

	Bold = 1
	Dim  = 2
)

// NoColor disables escape sequences. It is set from --no-color and NO_COLOR.
var NoColor bool

// Color is a set of ANSI attributes.
type Color struct {
	params []int
}

func NewColor(attrs ...int) *Color {
	return &Color{params: attrs}
}

func (c *Color) sequence() string {
	if NoColor || len(c.params) == 0 {
		return ""
	}
	codes := make([]string, len(c.params))
	for i, p := range c.params {
		codes[i] = strconv.Itoa(p)
	}
	return "\033[" + strings.Join(codes, ";") + "m"
}

// Fprintf writes format to w wrapped in the color.
func (c *Color) Fprintf(w io.Writer, format string, a ...any) {
	seq := c.sequence()
	if seq == "" {
		fmt.Fprintf(w, format, a...)
		return
	}
	fmt.Fprintf(w, seq+format+reset, a...)
}

func (c *Color) Sprint(a ...any) string {
	seq := c.sequence()
	if seq == "" {
		return fmt.Sprint(a...)
	}
	return seq + fmt.Sprint(a...) + reset
}
