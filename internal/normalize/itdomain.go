package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	ITSoftwareDevelopment = "software_development"
	ITWebDevelopment      = "web_development"
	ITManagementSystem    = "management_system"
	ITMobileApp           = "mobile_app"
	ITGeneralTechnology   = "general_technology"
)

// itKeywords are matched against accent-folded lowercase text.
var itKeywords = []string{
	"software", "sistema", "aplicacion", "desarrollo", "programacion",
	"base de datos", "web", "tecnologia", "informatica", "digital",
	"plataforma", "portal", "app", "movil", "cloud", "nube", "api",
	"backend", "frontend", "inteligencia artificial", "machine learning",
}

var itCategoryGroups = []struct {
	category string
	keywords []string
}{
	{ITSoftwareDevelopment, []string{"desarrollo", "software", "aplicacion"}},
	{ITWebDevelopment, []string{"web", "portal", "plataforma"}},
	{ITManagementSystem, []string{"base de datos", "sistema"}},
	{ITMobileApp, []string{"movil", "app"}},
}

type ITSignal struct {
	IsIT       bool
	Confidence float64
	Category   string
	Matches    []string
}

// DetectIT scores text against the IT keyword list: confidence is 0.2 per
// distinct keyword capped at 1, and the record is IT at or above threshold.
func DetectIT(text string, threshold float64) ITSignal {
	tokens := tokenize(Fold(text))
	joined := " " + strings.Join(tokens, " ") + " "

	var matches []string
	for _, kw := range itKeywords {
		if keywordPresent(kw, tokens, joined) {
			matches = append(matches, kw)
		}
	}

	signal := ITSignal{Matches: matches, Category: "none"}
	signal.Confidence = float64(len(matches)) * 0.2
	if signal.Confidence > 1 {
		signal.Confidence = 1
	}
	if len(matches) == 0 || signal.Confidence < threshold {
		return signal
	}

	signal.IsIT = true
	signal.Category = ITGeneralTechnology
	for _, group := range itCategoryGroups {
		if containsAny(matches, group.keywords) {
			signal.Category = group.category
			break
		}
	}
	return signal
}

// Fold lowercases s and strips diacritics.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// keywordPresent matches phrases on word boundaries, long single words as a
// token prefix (so plurals match) and short words exactly.
func keywordPresent(kw string, tokens []string, joined string) bool {
	if strings.Contains(kw, " ") {
		return strings.Contains(joined, " "+kw+" ")
	}
	for _, tok := range tokens {
		if tok == kw || (len(kw) >= 5 && strings.HasPrefix(tok, kw)) {
			return true
		}
	}
	return false
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func containsAny(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}
