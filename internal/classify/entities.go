package classify

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DateEntity keeps the matched text and the resolved calendar date (nil when unparseable).
type DateEntity struct {
	Raw  string     `json:"raw"`
	Date *time.Time `json:"date"`
}

// TimeEntity holds a 24h "HH:MM" value.
type TimeEntity struct {
	Raw   string  `json:"raw"`
	Value *string `json:"value"`
}

type DurationEntity struct {
	Raw     string `json:"raw"`
	Minutes *int   `json:"minutes"`
}

type ExtractedEntities struct {
	Dates              []DateEntity     `json:"dates"`
	Times              []TimeEntity     `json:"times"`
	Durations          []DurationEntity `json:"duration"`
	Participants       []string         `json:"participants"`
	Subject            *string          `json:"subject,omitempty"`
	Location           *string          `json:"location,omitempty"`
	PriorityIndicators []string         `json:"priority_indicators"`
}

// MaxDurationMinutes bounds parsed durations; longer values keep their raw text only.
const MaxDurationMinutes = 480

func (e *Engine) ExtractEntities(text string) ExtractedEntities {
	return ExtractedEntities{
		Dates:              e.extractDates(text),
		Times:              extractTimes(text),
		Durations:          extractDurations(text),
		Participants:       extractParticipants(text),
		Subject:            extractSubject(text),
		Location:           extractLocation(text),
		PriorityIndicators: priorityIndicators(text),
	}
}

type span struct{ start, end int }

// spans records matched regions so that a later, more general pattern cannot re-match them.
type spans []span

func (s *spans) claim(start, end int) bool {
	for _, sp := range *s {
		if start < sp.end && sp.start < end {
			return false
		}
	}
	*s = append(*s, span{start, end})
	return true
}

type located[T any] struct {
	pos  int
	item T
}

func sortedItems[T any](in []located[T]) []T {
	sort.SliceStable(in, func(i, j int) bool { return in[i].pos < in[j].pos })
	out := make([]T, len(in))
	for i, l := range in {
		out[i] = l.item
	}
	return out
}

var numberWords = map[string]int{
	"a": 1, "an": 1, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6,
	"seven": 7, "eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12,
}

const (
	numberWordExpr = `(?:an?|one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve)`
	numberExpr     = `(\d+(?:\.\d+)?|` + numberWordExpr + `)`
)

func parseNumber(s string) (float64, bool) {
	s = strings.ToLower(s)
	if n, ok := numberWords[s]; ok {
		return float64(n), true
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

// ---- dates ----

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
}

const monthExpr = `(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)`

var (
	reISODate      = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`)
	reUSDate       = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4}|\d{2})\b`)
	reMonthDay     = regexp.MustCompile(`(?i)\b` + monthExpr + `\.?\s+(\d{1,2})(?:st|nd|rd|th)?(?:,?\s+(\d{4}))?\b`)
	reDayMonth     = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+(?:of\s+)?` + monthExpr + `(?:,?\s+(\d{4}))?\b`)
	reInN          = regexp.MustCompile(`(?i)\bin\s+` + numberExpr + `\s+(days?|weeks?)\b`)
	reRelativeDay  = regexp.MustCompile(`(?i)\b(?:the\s+)?(day after tomorrow|today|tonight|tomorrow|yesterday)\b`)
	reRelativeWeek = regexp.MustCompile(`(?i)\b(next week|end of (?:the )?week|end of (?:the )?month)\b`)
	reWeekday      = regexp.MustCompile(`(?i)\b(?:(next|this|coming)\s+)?(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
)

func (e *Engine) extractDates(text string) []DateEntity {
	var taken spans
	var found []located[DateEntity]
	today := e.today()

	add := func(loc []int, date *time.Time) {
		if !taken.claim(loc[0], loc[1]) {
			return
		}
		found = append(found, located[DateEntity]{loc[0], DateEntity{Raw: text[loc[0]:loc[1]], Date: date}})
	}
	group := func(loc []int, i int) string {
		if loc[2*i] < 0 {
			return ""
		}
		return text[loc[2*i]:loc[2*i+1]]
	}

	for _, loc := range reISODate.FindAllStringSubmatchIndex(text, -1) {
		y, _ := strconv.Atoi(group(loc, 1))
		m, _ := strconv.Atoi(group(loc, 2))
		d, _ := strconv.Atoi(group(loc, 3))
		add(loc, e.validDate(y, time.Month(m), d))
	}

	for _, loc := range reUSDate.FindAllStringSubmatchIndex(text, -1) {
		m, _ := strconv.Atoi(group(loc, 1))
		d, _ := strconv.Atoi(group(loc, 2))
		y, _ := strconv.Atoi(group(loc, 3))
		if y < 100 {
			y += 2000
		}
		add(loc, e.validDate(y, time.Month(m), d))
	}

	for _, loc := range reMonthDay.FindAllStringSubmatchIndex(text, -1) {
		d, _ := strconv.Atoi(group(loc, 2))
		add(loc, e.monthDate(group(loc, 1), d, group(loc, 3), today))
	}

	for _, loc := range reDayMonth.FindAllStringSubmatchIndex(text, -1) {
		d, _ := strconv.Atoi(group(loc, 1))
		add(loc, e.monthDate(group(loc, 2), d, group(loc, 3), today))
	}

	for _, loc := range reInN.FindAllStringSubmatchIndex(text, -1) {
		n, ok := parseNumber(group(loc, 1))
		if !ok || n != math.Trunc(n) {
			add(loc, nil)
			continue
		}
		days := int(n)
		if strings.HasPrefix(strings.ToLower(group(loc, 2)), "week") {
			days *= 7
		}
		add(loc, ptr(today.AddDate(0, 0, days)))
	}

	for _, loc := range reRelativeDay.FindAllStringSubmatchIndex(text, -1) {
		var offset int
		switch strings.ToLower(group(loc, 1)) {
		case "today", "tonight":
			offset = 0
		case "tomorrow":
			offset = 1
		case "day after tomorrow":
			offset = 2
		case "yesterday":
			offset = -1
		}
		add(loc, ptr(today.AddDate(0, 0, offset)))
	}

	for _, loc := range reRelativeWeek.FindAllStringSubmatchIndex(text, -1) {
		phrase := strings.ToLower(group(loc, 1))
		var d time.Time
		switch {
		case phrase == "next week":
			d = today.AddDate(0, 0, 7)
		case strings.HasSuffix(phrase, "week"):
			d = today.AddDate(0, 0, (int(time.Friday)-int(today.Weekday())+7)%7)
		default:
			d = time.Date(today.Year(), today.Month()+1, 0, 0, 0, 0, 0, e.loc)
		}
		add(loc, ptr(d))
	}

	for _, loc := range reWeekday.FindAllStringSubmatchIndex(text, -1) {
		target := weekdays[strings.ToLower(group(loc, 2))]
		add(loc, ptr(resolveWeekday(today, target, strings.ToLower(group(loc, 1)))))
	}

	return sortedItems(found)
}

// resolveWeekday: "this X" is 0-6 days ahead, bare or "coming X" is 1-7 days ahead, "next X" adds a week to that.
func resolveWeekday(today time.Time, target time.Weekday, modifier string) time.Time {
	diff := (int(target) - int(today.Weekday()) + 7) % 7
	switch modifier {
	case "this":
	case "next":
		if diff == 0 {
			diff = 7
		}
		diff += 7
	default:
		if diff == 0 {
			diff = 7
		}
	}
	return today.AddDate(0, 0, diff)
}

func (e *Engine) monthDate(monthName string, day int, yearText string, today time.Time) *time.Time {
	m := months[strings.ToLower(monthName)[:3]]
	if yearText != "" {
		y, _ := strconv.Atoi(yearText)
		return e.validDate(y, m, day)
	}
	d := e.validDate(today.Year(), m, day)
	if d != nil && d.Before(today) {
		return e.validDate(today.Year()+1, m, day)
	}
	return d
}

// validDate rejects dates that time.Date would normalise, such as February 30.
func (e *Engine) validDate(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, e.loc)
	if t.Year() != y || t.Month() != m || t.Day() != d {
		return nil
	}
	return &t
}

func ptr[T any](v T) *T { return &v }

// ---- times ----

var (
	reTime12   = regexp.MustCompile(`(?i)\b(\d{1,2})(?::(\d{2}))?\s*([ap])\.?m\b\.?`)
	reTime24   = regexp.MustCompile(`\b([01]?\d|2[0-3]):([0-5]\d)\b`)
	reTimeName = regexp.MustCompile(`(?i)\b(noon|midday|midnight|lunchtime|lunch|end of (?:the )?day|eod|morning|afternoon|evening|tonight)\b`)
	reTimeAt   = regexp.MustCompile(`(?i)\bat\s+(\d{1,2})(?::(\d{2}))?\b`)
)

var namedTimes = map[string]string{
	"noon": "12:00", "midday": "12:00", "lunch": "12:00", "lunchtime": "12:00",
	"midnight": "00:00", "end of day": "17:00", "end of the day": "17:00", "eod": "17:00",
	"morning": "09:00", "afternoon": "14:00", "evening": "18:00", "tonight": "20:00",
}

func clock(h, m int) *string {
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return nil
	}
	return ptr(fmt.Sprintf("%02d:%02d", h, m))
}

func extractTimes(text string) []TimeEntity {
	var taken spans
	var found []located[TimeEntity]
	add := func(start, end int, value *string) {
		if taken.claim(start, end) {
			found = append(found, located[TimeEntity]{start, TimeEntity{Raw: text[start:end], Value: value}})
		}
	}

	for _, m := range reTime12.FindAllStringSubmatchIndex(text, -1) {
		h, _ := strconv.Atoi(text[m[2]:m[3]])
		minute := 0
		if m[4] >= 0 {
			minute, _ = strconv.Atoi(text[m[4]:m[5]])
		}
		var value *string
		if h >= 1 && h <= 12 {
			pm := strings.EqualFold(text[m[6]:m[7]], "p")
			switch {
			case pm && h != 12:
				h += 12
			case !pm && h == 12:
				h = 0
			}
			value = clock(h, minute)
		}
		add(m[0], m[1], value)
	}

	for _, m := range reTimeName.FindAllStringSubmatchIndex(text, -1) {
		add(m[0], m[1], ptr(namedTimes[strings.ToLower(text[m[2]:m[3]])]))
	}

	for _, m := range reTimeAt.FindAllStringSubmatchIndex(text, -1) {
		h, _ := strconv.Atoi(text[m[2]:m[3]])
		minute := 0
		if m[4] >= 0 {
			minute, _ = strconv.Atoi(text[m[4]:m[5]])
		}
		// bare "at 1".."at 7" is read as afternoon
		if h >= 1 && h <= 7 {
			h += 12
		}
		add(m[0], m[1], clock(h, minute))
	}

	for _, m := range reTime24.FindAllStringSubmatchIndex(text, -1) {
		h, _ := strconv.Atoi(text[m[2]:m[3]])
		minute, _ := strconv.Atoi(text[m[4]:m[5]])
		add(m[0], m[1], clock(h, minute))
	}

	return sortedItems(found)
}

// ---- durations ----

var (
	reHoursAndHalf = regexp.MustCompile(`(?i)\b` + numberExpr + `\s+and\s+a\s+half\s+hours?\b`)
	reHalfHour     = regexp.MustCompile(`(?i)\b(?:a\s+)?half\s+(?:an\s+)?hour\b`)
	reQuarterHour  = regexp.MustCompile(`(?i)\b(?:a\s+)?quarter\s+(?:of\s+an\s+)?hour\b`)
	reHours        = regexp.MustCompile(`(?i)\b` + amountExpr(`hours?|hrs?`, `h`))
	reMinutes      = regexp.MustCompile(`(?i)\b` + amountExpr(`minutes?|mins?`, ``))
)

// amountExpr matches a number followed by a unit: digits in group 1, a number word in group 2.
// Number words need a space or hyphen before the unit so "eighth" and "Ah" stay words;
// digitUnits such as the bare "h" are accepted after digits only.
func amountExpr(units, digitUnits string) string {
	digitAlt := units
	if digitUnits != "" {
		digitAlt += "|" + digitUnits
	}
	return `(?:(\d+(?:\.\d+)?)[\s-]*(?:` + digitAlt + `)|(` + numberWordExpr + `)[\s-]+(?:` + units + `))\b`
}

// firstGroup returns the first participating capture group of a submatch index.
func firstGroup(text string, m []int) string {
	for i := 2; i+1 < len(m); i += 2 {
		if m[i] >= 0 {
			return text[m[i]:m[i+1]]
		}
	}
	return ""
}

func boundedMinutes(m int) *int {
	if m <= 0 || m > MaxDurationMinutes {
		return nil
	}
	return &m
}

func extractDurations(text string) []DurationEntity {
	var taken spans
	var found []located[DurationEntity]
	add := func(start, end int, minutes *int) {
		if taken.claim(start, end) {
			found = append(found, located[DurationEntity]{start, DurationEntity{Raw: text[start:end], Minutes: minutes}})
		}
	}
	scaled := func(re *regexp.Regexp, factor float64, extra int) {
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			n, ok := parseNumber(firstGroup(text, m))
			if !ok {
				add(m[0], m[1], nil)
				continue
			}
			add(m[0], m[1], boundedMinutes(int(math.Round(n*factor))+extra))
		}
	}

	scaled(reHoursAndHalf, 60, 30)
	for _, m := range reHalfHour.FindAllStringIndex(text, -1) {
		add(m[0], m[1], boundedMinutes(30))
	}
	for _, m := range reQuarterHour.FindAllStringIndex(text, -1) {
		add(m[0], m[1], boundedMinutes(15))
	}
	scaled(reHours, 60, 0)
	scaled(reMinutes, 1, 0)

	return sortedItems(found)
}

// ---- participants ----

const nameExpr = `[A-Z][a-zA-Z'\-]+(?:\s+[A-Z][a-zA-Z'\-]+)?`

var (
	reEmail       = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	reWithNames   = regexp.MustCompile(`\b(?i:with)\s+(` + nameExpr + `(?:\s*,\s*` + nameExpr + `|\s+(?i:and)\s+` + nameExpr + `|\s*&\s*` + nameExpr + `)*)`)
	reInviteNames = regexp.MustCompile(`\b(?i:invite|invites|inviting|cc)\s+(` + nameExpr + `(?:\s*,\s*` + nameExpr + `|\s+(?i:and)\s+` + nameExpr + `)*)`)
	reNameSplit   = regexp.MustCompile(`\s*,\s*|\s+(?i:and)\s+|\s*&\s*`)
)

var nonNames = map[string]bool{
	"the": true, "team": true, "me": true, "us": true, "everyone": true, "all": true,
	"i": true, "you": true, "them": true, "him": true, "her": true, "my": true, "our": true,
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true, "friday": true,
	"saturday": true, "sunday": true, "today": true, "tomorrow": true, "zoom": true, "teams": true,
}

func extractParticipants(text string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		key := strings.ToLower(p)
		if p == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, p)
	}

	for _, email := range reEmail.FindAllString(text, -1) {
		add(strings.ToLower(email))
	}
	// emails are already collected; blank them so "cc ALICE@x.io" does not yield a name
	names := reEmail.ReplaceAllString(text, " ")
	for _, re := range []*regexp.Regexp{reWithNames, reInviteNames} {
		for _, m := range re.FindAllStringSubmatch(names, -1) {
			for _, name := range reNameSplit.Split(m[1], -1) {
				name = strings.TrimSpace(name)
				first := strings.ToLower(strings.Fields(name + " ")[0])
				if nonNames[first] || nonNames[strings.ToLower(name)] {
					continue
				}
				add(name)
			}
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

// ---- subject ----

const subjectEnd = `(?:\s+(?:on|at|with|tomorrow|today|tonight|next|this|by|from|before|after|in)\b|[.,;!?\n]|$)`

var subjectPatterns = compileAll(
	`(?i)\b(?:about|regarding|concerning|re:)\s+(.+?)`+subjectEnd,
	`(?i)\bto\s+(?:discuss|review|go over)\s+(.+?)`+subjectEnd,
	`(?i)\bfor\s+(?:the\s+|a\s+|an\s+|our\s+)?(.+?)`+subjectEnd,
)

var subjectStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "it": true, "this": true, "that": true, "me": true,
	"us": true, "them": true, "you": true, "meeting": true, "call": true, "sync": true,
	"something": true, "stuff": true, "things": true, "thing": true, "now": true, "later": true,
	"minutes": true, "minute": true, "hours": true, "hour": true, "while": true,
}

func extractSubject(text string) *string {
	for _, re := range subjectPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			candidate := strings.TrimSpace(m[1])
			if candidate == "" || len(candidate) > 120 || startsWithDigit(candidate) || stopWordsOnly(candidate) || isWhen(candidate) {
				continue
			}
			return &candidate
		}
	}
	return nil
}

// isWhen reports whether s is nothing but a date or time phrase ("tomorrow", "next week").
func isWhen(s string) bool {
	for _, re := range []*regexp.Regexp{reRelativeDay, reRelativeWeek, reWeekday, reTimeName} {
		if loc := re.FindStringIndex(s); loc != nil && loc[0] == 0 && loc[1] == len(s) {
			return true
		}
	}
	return false
}

func startsWithDigit(s string) bool {
	return s[0] >= '0' && s[0] <= '9'
}

func stopWordsOnly(s string) bool {
	for _, w := range strings.Fields(strings.ToLower(s)) {
		if !subjectStopWords[strings.Trim(w, `"'`)] {
			return false
		}
	}
	return true
}

// ---- location ----

var (
	reURL      = regexp.MustCompile(`https?://[^\s<>"]+`)
	rePlatform = regexp.MustCompile(`(?i)\b(zoom|google meet|microsoft teams|teams|skype|webex|facetime|slack huddle|phone call|phone)\b`)
	reRoom     = regexp.MustCompile(`(?i)\b(?:in|at)\s+((?:the\s+)?(?:[a-z]+\s+)?(?:room|office|hall|lobby|cafe|café)(?:\s+(?:\d[\w-]*|[a-z]\b))?)`)
)

var platformNames = map[string]string{
	"zoom": "Zoom", "google meet": "Google Meet", "microsoft teams": "Microsoft Teams", "teams": "Microsoft Teams",
	"skype": "Skype", "webex": "Webex", "facetime": "FaceTime", "slack huddle": "Slack Huddle",
	"phone call": "Phone", "phone": "Phone",
}

func extractLocation(text string) *string {
	if url := reURL.FindString(text); url != "" {
		url = strings.TrimRight(url, ".,;:!?)")
		return &url
	}
	if m := rePlatform.FindStringSubmatch(text); m != nil {
		name := platformNames[strings.ToLower(m[1])]
		return &name
	}
	if m := reRoom.FindStringSubmatch(text); m != nil {
		room := strings.TrimSpace(m[1])
		return &room
	}
	return nil
}
