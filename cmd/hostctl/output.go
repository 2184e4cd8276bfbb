package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// OutputFormatter prints results as text or, with --json, as indented JSON.
type OutputFormatter struct {
	jsonMode bool
	w        io.Writer
}

func newOutputFormatter(cmd *cobra.Command) *OutputFormatter {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &OutputFormatter{jsonMode: jsonMode, w: cmd.OutOrStdout()}
}

// JSON reports whether structured output was requested.
func (f *OutputFormatter) JSON() bool { return f.jsonMode }

// Print writes data as JSON in JSON mode and calls text otherwise.
func (f *OutputFormatter) Print(data any, text func(w io.Writer)) error {
	if f.jsonMode {
		out, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		_, err = fmt.Fprintln(f.w, string(out))
		return err
	}
	text(f.w)
	return nil
}

// Success prints a confirmation line, or {"success":true,...} in JSON mode.
func (f *OutputFormatter) Success(message string, data map[string]any) error {
	if f.jsonMode {
		output := map[string]any{"success": true, "message": message}
		for k, v := range data {
			output[k] = v
		}
		return f.Print(output, nil)
	}
	_, err := fmt.Fprintln(f.w, message)
	return err
}
