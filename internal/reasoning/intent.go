package reasoning

import (
	"strings"
	"unicode"
)

// researchPhrases trigger delegation to the multi-agent workflow. Longer
// phrases come first so "report on" wins over a bare "report".
var researchPhrases = []string{
	"competitive analysis of",
	"due diligence on",
	"deep dive into",
	"deep dive on",
	"company profile of",
	"report on",
	"research",
	"analyze",
	"analyse",
	"investigate",
}

// fillers are skipped between the trigger phrase and the company name.
var fillers = map[string]bool{
	"on": true, "about": true, "into": true, "of": true, "for": true,
	"the": true, "company": true, "a": true, "an": true, "me": true,
	"full": true, "complete": true, "thorough": true, "detailed": true,
}

var focusMarkers = []string{"focusing on ", "focus on ", "with a focus on ", "especially "}

// Intent is a detected research request.
type Intent struct {
	Company string
	Goals   []string
}

// DetectResearch reports whether text asks for company research and, if so,
// which company. A trigger phrase without a recognizable company name is not
// research intent.
func DetectResearch(text string) (Intent, bool) {
	lower := strings.ToLower(text)
	for _, phrase := range researchPhrases {
		idx := indexWord(lower, phrase)
		if idx < 0 {
			continue
		}
		company := companyAfter(text[idx+len(phrase):])
		if company == "" {
			continue
		}
		return Intent{Company: company, Goals: goalsIn(text)}, true
	}
	return Intent{}, false
}

// indexWord finds phrase at a word boundary.
func indexWord(s, phrase string) int {
	from := 0
	for {
		i := strings.Index(s[from:], phrase)
		if i < 0 {
			return -1
		}
		i += from
		end := i + len(phrase)
		before := i == 0 || !isWordRune(rune(s[i-1]))
		after := end == len(s) || !isWordRune(rune(s[end]))
		if before && after {
			return i
		}
		from = i + 1
	}
}

func isWordRune(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }

// companyAfter collects the run of capitalized words following the trigger.
// Punctuation or a possessive ends the name.
func companyAfter(rest string) string {
	var parts []string
	for _, w := range strings.Fields(rest) {
		if len(parts) == 0 && fillers[strings.ToLower(w)] {
			continue
		}
		word := strings.TrimRight(w, ",.?!;:")
		stop := word != w
		if base, ok := cutPossessive(word); ok {
			word, stop = base, true
		}
		if word == "" || !startsName(word) {
			break
		}
		parts = append(parts, word)
		if stop {
			break
		}
	}
	return strings.Join(parts, " ")
}

func cutPossessive(w string) (string, bool) {
	for _, suffix := range []string{"'s", "’s"} {
		if base, ok := strings.CutSuffix(w, suffix); ok {
			return base, true
		}
	}
	return w, false
}

func startsName(w string) bool {
	if w == "&" {
		return true
	}
	first := []rune(w)[0]
	return unicode.IsUpper(first) || unicode.IsDigit(first)
}

// goalsIn extracts "focus on X, Y and Z" style goals.
func goalsIn(text string) []string {
	lower := strings.ToLower(text)
	for _, m := range focusMarkers {
		i := strings.Index(lower, m)
		if i < 0 {
			continue
		}
		tail := text[i+len(m):]
		if j := strings.IndexAny(tail, ".?!"); j >= 0 {
			tail = tail[:j]
		}
		tail = strings.ReplaceAll(tail, " and ", ",")
		var goals []string
		for _, g := range strings.Split(tail, ",") {
			if g = strings.TrimSpace(g); g != "" {
				goals = append(goals, g)
			}
		}
		return goals
	}
	return nil
}
