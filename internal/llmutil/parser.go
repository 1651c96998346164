// Package llmutil contains helpers for digesting raw model output.
package llmutil

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	// Regexes use \x60 for backticks because Go raw strings cannot contain them.

	// fencedObjectRegex pulls a JSON object out of a markdown code fence.
	fencedObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")
	// fencedArrayRegex pulls a JSON array out of a markdown code fence.
	fencedArrayRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*(\\[.*\\])\\s*\x60\x60\x60")
)

// ParseJSONResponse decodes a model response into T, tolerating the usual
// formatting quirks: markdown fences around the JSON, or conversational text
// surrounding it. Callers that need to degrade gracefully should treat an
// error here as "the model did not produce the structure" rather than a bug.
func ParseJSONResponse[T any](response string) (*T, error) {
	response = strings.TrimSpace(response)
	candidate := response

	hasObject := strings.Contains(response, "{")
	hasArray := strings.Contains(response, "[")

	if strings.HasPrefix(response, "```") {
		var matches []string
		if hasObject {
			matches = fencedObjectRegex.FindStringSubmatch(response)
		}
		if len(matches) <= 1 && hasArray {
			matches = fencedArrayRegex.FindStringSubmatch(response)
		}
		if len(matches) > 1 {
			candidate = matches[1]
		}
	} else if (hasObject || hasArray) && !strings.HasPrefix(response, "{") && !strings.HasPrefix(response, "[") {
		// The model wrapped the structure in prose. Take the widest span
		// between the outermost brackets.
		start, end := -1, -1
		if hasObject {
			fb := strings.Index(response, "{")
			lb := strings.LastIndex(response, "}")
			if fb != -1 && lb > fb {
				start, end = fb, lb+1
			}
		}
		if start == -1 && hasArray {
			fb := strings.Index(response, "[")
			lb := strings.LastIndex(response, "]")
			if fb != -1 && lb > fb {
				start, end = fb, lb+1
			}
		}
		if start != -1 {
			candidate = response[start:end]
		}
	}

	var result T
	if err := json.Unmarshal([]byte(candidate), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model JSON response: %w. Extracted JSON (truncated): %s", err, truncateString(candidate, 500))
	}
	return &result, nil
}

// StripCodeFences removes a surrounding markdown code fence from a plain-text
// reply, if present. Replies shown to customers should never carry fences.
func StripCodeFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	matches := regexp.MustCompile("(?s)\x60\x60\x60[a-zA-Z]*\\s*(.*?)\\s*\x60\x60\x60").FindStringSubmatch(content)
	if len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}
	return content
}

func truncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
