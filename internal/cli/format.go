package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

var (
	statusColor  = color.New(color.FgGreen, color.Bold)
	successColor = color.New(color.FgGreen, color.Bold)
	warningColor = color.New(color.FgYellow, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	infoColor    = color.New(color.FgCyan)
	labelColor   = color.New(color.FgWhite, color.Bold)
	dimColor     = color.New(color.FgHiBlack)
)

// Message formats accepted by --message-format.
const (
	formatHuman = "human"
	formatShort = "short"
	formatJSON  = "json"
)

var (
	outMu sync.Mutex
	// statusOut receives status lines, warnings and errors; stdout is kept
	// for command output and JSON events.
	statusOut io.Writer = os.Stderr
	stdout    io.Writer = os.Stdout

	messageFormat = formatHuman
)

// setColor applies --color.
func setColor(mode string) error {
	switch mode {
	case "auto":
	case "always":
		color.NoColor = false
	case "never":
		color.NoColor = true
	default:
		return fmt.Errorf("argument for --color must be auto, always, or never, but found `%s`", mode)
	}
	return nil
}

// PrintStatus prints a right-aligned verb followed by a message, e.g.
// "   Compiling core v0.1.0 (lib "core")". Only the human format shows them.
func PrintStatus(verb, msg string) {
	if messageFormat != formatHuman {
		return
	}
	outMu.Lock()
	defer outMu.Unlock()
	_, _ = statusColor.Fprintf(statusOut, "%12s", verb)
	_, _ = fmt.Fprintf(statusOut, " %s\n", msg)
}

// PrintSuccess prints a success message with a checkmark
func PrintSuccess(msg string) {
	if messageFormat == formatJSON {
		return
	}
	outMu.Lock()
	defer outMu.Unlock()
	_, _ = successColor.Fprintf(statusOut, "✓ %s\n", msg)
}

// PrintWarning prints a warning message
func PrintWarning(msg string) {
	if messageFormat == formatJSON {
		emit(event{Reason: "warning", Message: msg})
		return
	}
	outMu.Lock()
	defer outMu.Unlock()
	_, _ = warningColor.Fprint(statusOut, "warning")
	_, _ = fmt.Fprintf(statusOut, ": %s\n", msg)
}

// PrintError prints an error message to stderr
func PrintError(msg string) {
	outMu.Lock()
	defer outMu.Unlock()
	_, _ = errorColor.Fprint(statusOut, "error")
	_, _ = fmt.Fprintf(statusOut, ": %s\n", msg)
}

// PrintInfo prints an informational line to stdout
func PrintInfo(msg string) {
	outMu.Lock()
	defer outMu.Unlock()
	_, _ = fmt.Fprintln(stdout, msg)
}

// PrintLabelValue prints a label-value pair with proper formatting
func PrintLabelValue(label, value string) {
	outMu.Lock()
	defer outMu.Unlock()
	_, _ = labelColor.Fprintf(statusOut, "  %s: ", label)
	_, _ = dimColor.Fprintln(statusOut, value)
}

// PrintList prints a list of items with bullet points
func PrintList(items []string, indent int) {
	outMu.Lock()
	defer outMu.Unlock()
	indentStr := strings.Repeat("  ", indent)
	for _, item := range items {
		_, _ = infoColor.Fprintf(statusOut, "%s• %s\n", indentStr, item)
	}
}

// PrintCount prints a count with proper formatting
func PrintCount(count int, singular, plural string) string {
	if count == 1 {
		return fmt.Sprintf("%d %s", count, singular)
	}
	return fmt.Sprintf("%d %s", count, plural)
}

// event is one --message-format json record.
type event struct {
	Reason  string   `json:"reason"`
	Package string   `json:"package,omitempty"`
	Target  string   `json:"target,omitempty"`
	Kind    string   `json:"kind,omitempty"`
	Path    string   `json:"path,omitempty"`
	Result  string   `json:"result,omitempty"`
	Message string   `json:"message,omitempty"`
	Cases   []string `json:"cases,omitempty"`
}

// emit writes ev as one JSON line to stdout.
func emit(ev event) {
	outMu.Lock()
	defer outMu.Unlock()
	_ = json.NewEncoder(stdout).Encode(ev)
}

// outputJSON outputs a value as indented JSON to stdout.
func outputJSON(v interface{}) error {
	outMu.Lock()
	defer outMu.Unlock()
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
