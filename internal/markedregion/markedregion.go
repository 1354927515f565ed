// Package markedregion implements idempotent replace and extract of the
// HTML-comment-delimited sections of an issue body that the engine owns:
// the research and plan regions.
package markedregion

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Kind identifies which marked region is being addressed.
type Kind string

const (
	Research Kind = "research"
	Plan     Kind = "plan"
)

func markers(kind Kind) (start, end string) {
	return fmt.Sprintf("<!-- kiln:%s -->", kind), fmt.Sprintf("<!-- /kiln:%s -->", kind)
}

func regionRe(kind Kind) *regexp.Regexp {
	start, end := markers(kind)
	return regexp.MustCompile(`(?s)` + regexp.QuoteMeta(start) + `.*?` + regexp.QuoteMeta(end))
}

// Extract returns the content strictly between the kind's start and end
// markers, with surrounding whitespace trimmed, or "" if the region is
// absent.
func Extract(body string, kind Kind) string {
	start, end := markers(kind)
	startIdx := strings.Index(body, start)
	if startIdx == -1 {
		return ""
	}
	contentStart := startIdx + len(start)
	endIdx := strings.Index(body[contentStart:], end)
	if endIdx == -1 {
		return strings.TrimSpace(body[contentStart:])
	}
	return strings.TrimSpace(body[contentStart : contentStart+endIdx])
}

// Has reports whether body contains a region of the given kind.
func Has(body string, kind Kind) bool {
	start, _ := markers(kind)
	return strings.Contains(body, start)
}

// Replace idempotently sets the region of the given kind to content: if the
// region already exists, it is replaced in place; otherwise the region is
// appended to the end of body, separated by a blank line. The body outside
// the region is preserved byte-for-byte.
func Replace(body string, kind Kind, content string) string {
	start, end := markers(kind)
	block := start + "\n" + strings.TrimSpace(content) + "\n" + end

	re := regionRe(kind)
	if re.MatchString(body) {
		return re.ReplaceAllLiteralString(body, block)
	}

	trimmed := strings.TrimRight(body, "\n")
	if trimmed == "" {
		return block
	}
	return trimmed + "\n\n" + block
}

// Strip removes the region of the given kind entirely, along with a single
// adjacent blank line it introduced, leaving the rest of body untouched.
func Strip(body string, kind Kind) string {
	re := regionRe(kind)
	stripped := re.ReplaceAllLiteralString(body, "")
	return collapseBlankLines(stripped)
}

// Diff renders a unified diff between the before and after content of a
// region, suitable for posting as a reply comment so the user has
// observable feedback on what an iteration changed (§4.6).
func Diff(kind Kind, before, after string) (string, error) {
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: string(kind) + " (before)",
		ToFile:   string(kind) + " (after)",
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(ud)
}

func collapseBlankLines(s string) string {
	re := regexp.MustCompile(`\n{3,}`)
	collapsed := strings.TrimRight(re.ReplaceAllString(s, "\n\n"), "\n")
	if collapsed == "" {
		return ""
	}
	return collapsed + "\n"
}
