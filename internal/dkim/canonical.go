package dkim

import (
	"strings"
)

// CanonicalizeHeader normalizes a single header line: internal whitespace
// runs collapse to one space, trailing whitespace is trimmed, and the whole
// line is lower-cased. The operation is idempotent.
func CanonicalizeHeader(name, value string) string {
	folded := strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(value)
	collapsed := collapseSpaces(folded)
	line := strings.ToLower(strings.TrimSpace(name)) + ":" + strings.TrimSpace(collapsed)
	return strings.ToLower(line)
}

// CanonicalizeBody normalizes a message body: trailing whitespace is stripped
// from every line, runs of blank lines collapse to one, and the result ends
// with exactly one newline. The operation is idempotent.
func CanonicalizeBody(body string) string {
	normalized := strings.ReplaceAll(body, "\r\n", "\n")
	lines := strings.Split(normalized, "\n")

	out := make([]string, 0, len(lines))
	blankRun := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			if blankRun {
				continue
			}
			blankRun = true
		} else {
			blankRun = false
		}
		out = append(out, line)
	}

	// Drop trailing blank lines so the body ends with one newline.
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}

	return strings.Join(out, "\r\n") + "\r\n"
}

func collapseSpaces(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		if r == ' ' || r == '\t' {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}
