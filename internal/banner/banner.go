package banner

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const logo = `
============================================================
                         _   _ _
  __ _  __ _  ___ _ __ | |_| (_)_ __   ___
 / _` + "`" + ` |/ _` + "`" + ` |/ _ \ '_ \| __| | | '_ \ / _ \
| (_| | (_| |  __/ | | | |_| | | | | |  __/
 \__,_|\__, |\___|_| |_|\__|_|_|_| |_|\___|
       |___/
------------------------------------------------------------`

const footer = `============================================================`

// ConfigLine represents a single configuration line to display
type ConfigLine struct {
	Label string
	Value string
}

// Print writes the startup banner to stdout.
func Print(serviceName string, config []ConfigLine) {
	Fprint(os.Stdout, serviceName, config)
}

// Fprint writes the banner with labels aligned on the widest one.
func Fprint(w io.Writer, serviceName string, config []ConfigLine) {
	fmt.Fprintln(w, logo)
	fmt.Fprintln(w, serviceName)

	maxLen := 0
	for _, c := range config {
		if len(c.Label) > maxLen {
			maxLen = len(c.Label)
		}
	}
	for _, c := range config {
		value := c.Value
		if value == "" {
			value = "-"
		}
		fmt.Fprintf(w, "  %s%s : %s\n", c.Label, strings.Repeat(" ", maxLen-len(c.Label)), value)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, footer)
	fmt.Fprintln(w)
}
