package agent

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	htmlTagPattern      = regexp.MustCompile(`<[^>]+>`)
	urlPattern          = regexp.MustCompile(`https?://\S+`)
	fencedCodePattern   = regexp.MustCompile("(?s)```.*?```")
	inlineCodePattern   = regexp.MustCompile("`[^`]*`")
	markdownLinkPattern = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
	// Small models sometimes echo the prompt's speaker label.
	speakerLabelPattern = regexp.MustCompile(`^(?i)(assistant|agent)\s*:\s*`)

	markupReplacer = strings.NewReplacer(
		"*", "",
		"_", " ",
		"\\", " ",
		"|", " ",
		"#", " ",
		"~", " ",
		"<", " ",
		">", " ",
	)
)

// CleanReply strips markup and symbol noise from model output so it reads
// well as speech. It returns "" when nothing speakable is left.
func CleanReply(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	raw = htmlTagPattern.ReplaceAllString(raw, "")
	raw = fencedCodePattern.ReplaceAllString(raw, " ")
	raw = inlineCodePattern.ReplaceAllString(raw, " ")
	raw = markdownLinkPattern.ReplaceAllString(raw, "$1")
	raw = urlPattern.ReplaceAllString(raw, " ")
	raw = speakerLabelPattern.ReplaceAllString(strings.TrimSpace(raw), "")
	raw = markupReplacer.Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true
	for _, r := range raw {
		switch {
		case r == '\u200d' || r == '\ufe0f':
			continue
		case unicode.IsSpace(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsControl(r):
			continue
		case unicode.In(r, unicode.So, unicode.Sk):
			// emoji
			continue
		default:
			b.WriteRune(r)
			prevSpace = false
		}
	}
	out := strings.TrimSpace(b.String())
	if !hasSpeakable(out) {
		return ""
	}
	return out
}

func hasSpeakable(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
