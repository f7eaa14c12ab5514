// Package output renders the CLI's JSON envelope. Everything oak prints on
// stdout goes through here so agents can parse command output uniformly.
package output

import (
	"encoding/json"
	"os"
)

// Response is the envelope around every command's stdout.
type Response struct {
	SchemaVersion string `json:"schema_version"`
	Success       bool   `json:"success"`
	Data          any    `json:"data,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Success builds a successful envelope around data.
func Success(data any) Response {
	return Response{SchemaVersion: "v1", Success: true, Data: data}
}

// Error builds a failure envelope carrying the error message.
func Error(err error) Response {
	return Response{SchemaVersion: "v1", Success: false, Error: err.Error()}
}

// Print encodes v to stdout. Output is compact by default since the usual
// consumer is an agent counting tokens; OAK_PRETTY_JSON=1 indents for humans.
func Print(v any) error {
	enc := json.NewEncoder(os.Stdout)
	if p := os.Getenv("OAK_PRETTY_JSON"); p == "1" || p == "true" {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

// PrintSuccess prints data wrapped in a success envelope.
func PrintSuccess(data any) error {
	return Print(Success(data))
}

// PrintError prints err wrapped in a failure envelope.
func PrintError(err error) error {
	return Print(Error(err))
}
