// Package tags extracts control tags embedded in streamed model output.
//
// The model appends markers such as <<SCORE: 45>> and <<FEEDBACK: Missed
// SmartBrain introduction>> to its natural-language reply. Fragments arrive with
// no alignment guarantee, so extraction always runs over the cumulative buffer
// of the current exchange. Each call is independent: the same buffer always
// yields the same Result.
package tags

import (
	"regexp"
	"strconv"
	"strings"
)

// Tag keywords.
const (
	KindScore    = "SCORE"
	KindFeedback = "FEEDBACK"

	openMarker  = "<<"
	closeMarker = ">>"
)

var (
	// A complete tag, non-greedy up to the first closing marker. Horizontal
	// whitespace in front of a tag belongs to the tag.
	tagPattern = regexp.MustCompile(`(?s)[ \t]*<<(SCORE|FEEDBACK):(.*?)>>`)

	scorePayloadPattern = regexp.MustCompile(`^\s*(\d+)\s*$`)

	keywordPrefixes = []string{KindScore + ":", KindFeedback + ":"}
)

// Result is the outcome of one extraction pass.
type Result struct {
	// Text is the display text with every complete tag removed and any
	// trailing partial tag withheld.
	Text string
	// Score is the value of the first numeric score tag in the buffer. It is
	// nil when that tag is out of range, even if a later tag is valid.
	Score *int
	// Feedback is the first non-empty feedback tag in the buffer, if any.
	Feedback *string
	// Pending is set when a partial tag at the end of the buffer is withheld.
	Pending bool
	// Unterminated is set by Finalize when a withheld tag was dropped.
	Unterminated bool
	// Discarded counts complete tags stripped without producing a value.
	Discarded int
}

// Extract strips complete tags from buffer and reports extracted fields.
// A trailing partial tag stays out of Text until it completes.
func Extract(buffer string) Result {
	res, _ := extract(buffer)
	return res
}

// Finalize runs the end-of-stream pass. A still-open tag can no longer be
// interpreted and is dropped; the remaining text is trimmed.
func Finalize(buffer string) Result {
	res, tail := extract(buffer)
	if res.Pending {
		res.Pending = false
		if tail == "<" {
			// A single '<' never opened a tag.
			res.Text += tail
		} else {
			res.Unterminated = true
		}
	}
	res.Text = strings.TrimSpace(res.Text)
	return res
}

func extract(buffer string) (Result, string) {
	var res Result
	var b strings.Builder
	b.Grow(len(buffer))

	last := 0
	scoreDecided := false
	for _, m := range tagPattern.FindAllStringSubmatchIndex(buffer, -1) {
		b.WriteString(buffer[last:m[0]])
		last = m[1]

		kind := buffer[m[2]:m[3]]
		payload := buffer[m[4]:m[5]]
		switch kind {
		case KindScore:
			v, numeric, ok := parseScore(payload)
			if !ok {
				res.Discarded++
			}
			if numeric && !scoreDecided {
				scoreDecided = true
				if ok {
					res.Score = &v
				}
			}
		case KindFeedback:
			fb := strings.TrimSpace(payload)
			if fb == "" {
				res.Discarded++
				continue
			}
			if res.Feedback == nil {
				res.Feedback = &fb
			}
		}
	}

	rest := buffer[last:]
	cut := partialStart(rest)
	if cut < 0 {
		b.WriteString(rest)
		res.Text = b.String()
		return res, ""
	}

	res.Pending = true
	held := rest[cut:]
	visible := rest[:cut]
	if held != "<" {
		visible = strings.TrimRight(visible, " \t")
	}
	b.WriteString(visible)
	res.Text = b.String()
	return res, held
}

// parseScore reports whether payload is a digit run and whether its value
// is a usable score.
func parseScore(payload string) (v int, numeric, ok bool) {
	m := scorePayloadPattern.FindStringSubmatch(payload)
	if m == nil {
		return 0, false, false
	}
	v, err := strconv.Atoi(m[1])
	if err != nil || v < 0 || v > 100 {
		return 0, true, false
	}
	return v, true, true
}

// partialStart returns the offset of the first partial tag in s, or -1.
func partialStart(s string) int {
	for i := strings.IndexByte(s, '<'); i >= 0 && i < len(s); {
		if isPartialTag(s[i:]) {
			return i
		}
		next := strings.IndexByte(s[i+1:], '<')
		if next < 0 {
			return -1
		}
		i += next + 1
	}
	return -1
}

// isPartialTag reports whether s (starting with '<') could still become a
// complete tag once more text arrives.
func isPartialTag(s string) bool {
	if s == "<" {
		return true
	}
	if !strings.HasPrefix(s, openMarker) {
		return false
	}
	body := s[len(openMarker):]
	for _, kw := range keywordPrefixes {
		if len(body) < len(kw) {
			if strings.HasPrefix(kw, body) {
				return true
			}
			continue
		}
		if strings.HasPrefix(body, kw) {
			return !strings.Contains(body, closeMarker)
		}
	}
	return false
}
