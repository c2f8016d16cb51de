// Package apiformat defines the API wire formats the gateway routes between
// and the authentication conventions attached to each of them.
package apiformat

import "strings"

// Format identifies an upstream API dialect. Values are stored uppercase in
// the database and on the wire.
type Format string

const (
	FormatOpenAI    Format = "OPENAI"
	FormatOpenAICLI Format = "OPENAI_CLI"
	FormatClaude    Format = "CLAUDE"
	FormatClaudeCLI Format = "CLAUDE_CLI"
	FormatGemini    Format = "GEMINI"
	FormatGeminiCLI Format = "GEMINI_CLI"
)

// All lists every supported format in a stable order.
func All() []Format {
	return []Format{
		FormatOpenAI,
		FormatOpenAICLI,
		FormatClaude,
		FormatClaudeCLI,
		FormatGemini,
		FormatGeminiCLI,
	}
}

// Normalize canonicalizes user input ("claude", " openai_cli ") to a Format.
// The second return reports whether the input named a known format.
func Normalize(raw string) (Format, bool) {
	f := Format(strings.ToUpper(strings.TrimSpace(raw)))
	switch f {
	case FormatOpenAI, FormatOpenAICLI, FormatClaude, FormatClaudeCLI, FormatGemini, FormatGeminiCLI:
		return f, true
	}
	return "", false
}

// Valid reports whether f is a known format.
func (f Format) Valid() bool {
	_, ok := Normalize(string(f))
	return ok
}

// Family collapses CLI variants onto their base dialect, e.g. CLAUDE_CLI
// and CLAUDE are both family "CLAUDE".
func (f Format) Family() string {
	return strings.TrimSuffix(string(f), "_CLI")
}

// AuthHeader returns the request header name and value prefix used to carry
// the upstream credential for this format.
func (f Format) AuthHeader() (name, prefix string) {
	switch f {
	case FormatClaude, FormatClaudeCLI:
		return "x-api-key", ""
	case FormatGemini, FormatGeminiCLI:
		return "x-goog-api-key", ""
	default:
		return "Authorization", "Bearer "
	}
}

// DetectFromPath maps an inbound request path onto the API format it speaks.
// Unknown paths default to the OpenAI dialect, which is the de facto
// compatibility surface.
func DetectFromPath(path string) Format {
	switch {
	case strings.HasPrefix(path, "/v1/messages"):
		return FormatClaude
	case strings.HasPrefix(path, "/v1beta/models"), strings.HasPrefix(path, "/v1beta/"):
		return FormatGemini
	default:
		return FormatOpenAI
	}
}
