package process

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var urlPattern = regexp.MustCompile(`http\S+`)

// stripHTML returns the text content of an HTML fragment.
func stripHTML(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.StartTagToken:
			name, _ := z.TagName()
			if tag := string(name); tag == "script" || tag == "style" {
				skip++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if tag := string(name); (tag == "script" || tag == "style") && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func removeURLs(s string) string {
	return urlPattern.ReplaceAllString(s, "")
}

// removeSpecialChars keeps letters, digits, underscore and whitespace.
func removeSpecialChars(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || unicode.IsSpace(r) {
			return r
		}
		return -1
	}, s)
}

func cleanText(s string, p CleaningParams) string {
	if boolOr(p.RemoveHTML, true) {
		s = stripHTML(s)
	}
	if boolOr(p.RemoveURLs, true) {
		s = removeURLs(s)
	}
	if boolOr(p.RemoveSpecialChars, true) {
		s = removeSpecialChars(s)
	}
	return s
}

func removeAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func applyCase(s, mode string) string {
	switch mode {
	case "upper":
		return strings.ToUpper(s)
	case "title":
		return cases.Title(language.Und).String(s)
	default:
		return strings.ToLower(s)
	}
}

// tokenize splits on anything that is not part of a word and drops tokens
// shorter than minLen runes.
func tokenize(s string, minLen int) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '\'')
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "'")
		if len([]rune(f)) >= minLen {
			out = append(out, f)
		}
	}
	return out
}
