package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// render writes v in the selected format. text is called for the text
// format with a tabwriter that render flushes.
func (c *cli) render(v any, text func(w io.Writer)) error {
	switch c.format {
	case "json":
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(c.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
		text(w)
		return w.Flush()
	}
}

// done reports a write that has nothing to render.
func (c *cli) done(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return c.render(map[string]string{"result": msg}, func(w io.Writer) {
		fmt.Fprintln(w, msg)
	})
}
