package classify

import (
	"regexp"
	"strings"
)

func phraseRegexp(phrases ...string) *regexp.Regexp {
	quoted := make([]string, len(phrases))
	for i, p := range phrases {
		quoted[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

var (
	lowPriorityPhrases = phraseRegexp(
		"low priority", "not urgent", "no rush", "no hurry", "whenever", "when you get a chance",
		"when you have time", "at your convenience", "someday", "eventually", "nice to have",
	)
	criticalPhrases = phraseRegexp(
		"urgent", "urgently", "asap", "as soon as possible", "emergency", "critical", "immediately", "right away",
	)
	highPriorityPhrases = phraseRegexp(
		"important", "high priority", "priority", "time-sensitive", "time sensitive", "deadline",
		"eod", "end of day", "soon", "quickly", "blocker", "blocking",
	)
	businessPhrases = phraseRegexp(
		"client", "clients", "customer", "customers", "revenue", "deal", "contract", "invoice",
		"executive", "ceo", "cfo", "cto", "board", "investor", "investors", "vp", "prospect", "renewal",
	)
)

func priorityIndicators(text string) []string {
	var found []located[string]
	seen := make(map[string]bool)
	for _, re := range []*regexp.Regexp{criticalPhrases, highPriorityPhrases, lowPriorityPhrases} {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			phrase := strings.ToLower(text[loc[0]:loc[1]])
			if seen[phrase] {
				continue
			}
			seen[phrase] = true
			found = append(found, located[string]{loc[0], phrase})
		}
	}
	return sortedItems(found)
}

// CalculatePriority scores text on a 1..5 scale.
// A low-priority phrase returns 2 outright and a critical phrase returns 5; otherwise the score
// starts at 3 and gains one point each for high-priority vocabulary, business context, and a
// date falling today or tomorrow, capped at 5.
func (e *Engine) CalculatePriority(text string, entities ExtractedEntities) int {
	if lowPriorityPhrases.MatchString(text) {
		return 2
	}
	if criticalPhrases.MatchString(text) {
		return 5
	}

	priority := 3
	if highPriorityPhrases.MatchString(text) {
		priority++
	}
	if businessPhrases.MatchString(text) {
		priority++
	}
	if e.hasImminentDate(entities) {
		priority++
	}
	if priority > 5 {
		priority = 5
	}
	return priority
}

func (e *Engine) hasImminentDate(entities ExtractedEntities) bool {
	today := e.today()
	tomorrow := today.AddDate(0, 0, 1)
	for _, d := range entities.Dates {
		if d.Date == nil {
			continue
		}
		if d.Date.Equal(today) || d.Date.Equal(tomorrow) {
			return true
		}
	}
	return false
}
