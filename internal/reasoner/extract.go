package reasoner

import "strings"

// ExtractJSON pulls the first balanced JSON object out of model output.
// Markdown code fences are stripped first, then the span from the first '{'
// to its matching '}' is returned. String literals are honored so braces
// inside them do not affect matching.
func ExtractJSON(s string) (string, bool) {
	s = stripFences(s)

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func stripFences(s string) string {
	out := s
	for {
		open := strings.Index(out, "```")
		if open < 0 {
			return out
		}
		rest := out[open+3:]
		// Drop an optional language tag up to the first newline.
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			tag := strings.TrimSpace(rest[:nl])
			if tag == "json" || tag == "" || !strings.ContainsAny(tag, "{}") {
				rest = rest[nl+1:]
			}
		}
		if close := strings.Index(rest, "```"); close >= 0 {
			out = out[:open] + rest[:close] + rest[close+3:]
		} else {
			out = out[:open] + rest
		}
	}
}
