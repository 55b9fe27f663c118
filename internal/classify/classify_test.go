package classify

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

// Wednesday
var fixedNow = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func newTestEngine() *Engine {
	return New(WithClock(func() time.Time { return fixedNow }), WithLocation(time.UTC))
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestEntityExtractionRoundTrip(t *testing.T) {
	e := newTestEngine()
	got := e.ExtractEntities("Schedule a 30-minute meeting with john@example.com tomorrow at 3pm about Q4 planning")

	if len(got.Durations) != 1 || got.Durations[0].Raw != "30-minute" || got.Durations[0].Minutes == nil || *got.Durations[0].Minutes != 30 {
		t.Fatalf("durations = %+v, want [{30-minute 30}]", got.Durations)
	}
	if len(got.Participants) != 1 || got.Participants[0] != "john@example.com" {
		t.Fatalf("participants = %v, want [john@example.com]", got.Participants)
	}
	tomorrow := day(2026, 3, 5)
	foundDate := false
	for _, d := range got.Dates {
		if d.Date != nil && d.Date.Equal(tomorrow) {
			foundDate = true
		}
	}
	if !foundDate {
		t.Fatalf("dates = %+v, want an entry for %s", got.Dates, tomorrow.Format("2006-01-02"))
	}
	foundTime := false
	for _, tm := range got.Times {
		if tm.Value != nil && *tm.Value == "15:00" {
			foundTime = true
		}
	}
	if !foundTime {
		t.Fatalf("times = %+v, want 15:00", got.Times)
	}
	if got.Subject == nil || !strings.Contains(*got.Subject, "Q4 planning") {
		t.Fatalf("subject = %v, want it to contain Q4 planning", got.Subject)
	}
}

func TestRescheduleBeatsScheduleWithCriticalPriority(t *testing.T) {
	e := newTestEngine()
	text := "URGENT: reschedule the client call ASAP"

	intent := e.DetectIntent(text)
	if intent.TaskType != TaskRescheduleMeeting {
		t.Fatalf("task type = %s, want %s", intent.TaskType, TaskRescheduleMeeting)
	}
	if p := e.CalculatePriority(text, e.ExtractEntities(text)); p != 5 {
		t.Fatalf("priority = %d, want 5", p)
	}
}

func TestDetectIntent(t *testing.T) {
	e := newTestEngine()
	cases := []struct {
		text string
		want TaskType
	}{
		{"Please cancel the meeting with Sarah", TaskCancelMeeting},
		{"Can we push the demo to Friday?", TaskRescheduleMeeting},
		{"Is Mark available on Thursday afternoon?", TaskCheckAvailability},
		{"Remind me to call the bank", TaskSetReminder},
		{"Let's meet next Tuesday", TaskScheduleMeeting},
		{"We need to send the invoice", TaskCreateTask},
		{"Lovely weather", TaskUnknown},
	}
	for _, c := range cases {
		if got := e.DetectIntent(c.text); got.TaskType != c.want {
			t.Errorf("DetectIntent(%q) = %s, want %s", c.text, got.TaskType, c.want)
		}
	}
}

func TestDetectIntentConfidence(t *testing.T) {
	e := newTestEngine()
	got := e.DetectIntent("Schedule a call with Dana, let's sync")
	// three schedule patterns: "schedule", "call with", "let's sync"
	if got.Matches != 3 || got.Confidence != 0.9 {
		t.Fatalf("intent = %+v, want 3 matches and confidence 0.9", got)
	}
	if unknown := e.DetectIntent(""); unknown.Confidence != 0 || unknown.TaskType != TaskUnknown {
		t.Fatalf("empty text = %+v, want UNKNOWN/0", unknown)
	}
}

func TestWeekdayResolution(t *testing.T) {
	e := newTestEngine() // Wednesday 2026-03-04
	cases := []struct {
		text string
		want time.Time
	}{
		{"this Wednesday", day(2026, 3, 4)},
		{"Wednesday", day(2026, 3, 11)},
		{"Friday", day(2026, 3, 6)},
		{"this Friday", day(2026, 3, 6)},
		{"next Friday", day(2026, 3, 13)},
		{"Monday", day(2026, 3, 9)},
	}
	for _, c := range cases {
		got := e.ExtractEntities(c.text).Dates
		if len(got) != 1 || got[0].Date == nil || !got[0].Date.Equal(c.want) {
			t.Errorf("%q resolved to %+v, want %s", c.text, got, c.want.Format("2006-01-02"))
		}
	}
}

func TestAbsoluteAndRelativeDates(t *testing.T) {
	e := newTestEngine()
	got := e.ExtractEntities("Options: 2026-04-01, 04/02/2026, March 20, 5th of May, in 2 weeks, 2026-02-30").Dates
	want := []*time.Time{
		ptr(day(2026, 4, 1)),
		ptr(day(2026, 4, 2)),
		ptr(day(2026, 3, 20)),
		ptr(day(2026, 5, 5)),
		ptr(day(2026, 3, 18)),
		nil,
	}
	if len(got) != len(want) {
		t.Fatalf("dates = %+v, want %d entries", got, len(want))
	}
	for i := range want {
		switch {
		case want[i] == nil && got[i].Date != nil:
			t.Errorf("date %d (%q) = %v, want nil", i, got[i].Raw, got[i].Date)
		case want[i] != nil && (got[i].Date == nil || !got[i].Date.Equal(*want[i])):
			t.Errorf("date %d (%q) = %v, want %v", i, got[i].Raw, got[i].Date, want[i])
		}
	}
}

func TestPastMonthDayRollsToNextYear(t *testing.T) {
	e := newTestEngine()
	got := e.ExtractEntities("January 10").Dates
	if len(got) != 1 || got[0].Date == nil || !got[0].Date.Equal(day(2027, 1, 10)) {
		t.Fatalf("January 10 = %+v, want 2027-01-10", got)
	}
}

func TestTimes(t *testing.T) {
	e := newTestEngine()
	got := e.ExtractEntities("at 10:30am, then 14:45, lunch, and at 4").Times
	want := []string{"10:30", "14:45", "12:00", "16:00"}
	if len(got) != len(want) {
		t.Fatalf("times = %+v, want %v", got, want)
	}
	for i, w := range want {
		if got[i].Value == nil || *got[i].Value != w {
			t.Errorf("time %d (%q) = %v, want %s", i, got[i].Raw, got[i].Value, w)
		}
	}
}

func TestDurations(t *testing.T) {
	e := newTestEngine()
	got := e.ExtractEntities("half an hour, 2 and a half hours, a quarter hour, 1.5 hours, 45 mins, 10 hours").Durations
	want := []*int{ptr(30), ptr(150), ptr(15), ptr(90), ptr(45), nil}
	if len(got) != len(want) {
		t.Fatalf("durations = %+v, want %d entries", got, len(want))
	}
	for i := range want {
		switch {
		case want[i] == nil && got[i].Minutes != nil:
			t.Errorf("duration %d (%q) = %d, want nil (over bound)", i, got[i].Raw, *got[i].Minutes)
		case want[i] != nil && (got[i].Minutes == nil || *got[i].Minutes != *want[i]):
			t.Errorf("duration %d (%q) = %v, want %d", i, got[i].Raw, got[i].Minutes, *want[i])
		}
	}
}

func TestDurationsNeedSeparatedUnit(t *testing.T) {
	e := newTestEngine()
	for _, text := range []string{
		"Move the review to the eighth",
		"Ah, remind me about the invoice",
		"Ship it on the 8th",
	} {
		if got := e.ExtractEntities(text).Durations; len(got) != 0 {
			t.Errorf("ExtractEntities(%q).Durations = %+v, want none", text, got)
		}
	}

	cases := []struct {
		text string
		want int
	}{
		{"a 2h workshop", 120},
		{"a two-hour workshop", 120},
		{"give me ten mins", 10},
		{"block an hour", 60},
		{"3 hrs of review", 180},
	}
	for _, c := range cases {
		got := e.ExtractEntities(c.text).Durations
		if len(got) != 1 || got[0].Minutes == nil || *got[0].Minutes != c.want {
			t.Errorf("ExtractEntities(%q).Durations = %+v, want %d minutes", c.text, got, c.want)
		}
	}
}

func TestDecideIgnoresOrdinalAsDuration(t *testing.T) {
	e := newTestEngine()
	d := e.Decide("Move the review meeting to the eighth")
	for _, a := range d.Actions {
		if _, ok := a.Params["duration_minutes"]; ok {
			t.Fatalf("action %s has duration_minutes = %v", a.Type, a.Params["duration_minutes"])
		}
	}
}

func TestParticipantsDeduplicated(t *testing.T) {
	e := newTestEngine()
	got := e.ExtractEntities("Meet with Alice Chen and Bob, invite Carol and alice@corp.io, cc ALICE@corp.io").Participants
	want := []string{"alice@corp.io", "Alice Chen", "Bob", "Carol"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("participants = %v, want %v", got, want)
	}
}

func TestLocationPrefersURL(t *testing.T) {
	e := newTestEngine()
	loc := e.ExtractEntities("Join on Zoom: https://zoom.us/j/123.").Location
	if loc == nil || *loc != "https://zoom.us/j/123" {
		t.Fatalf("location = %v, want the URL", loc)
	}
	loc = e.ExtractEntities("Sync on Google Meet").Location
	if loc == nil || *loc != "Google Meet" {
		t.Fatalf("location = %v, want Google Meet", loc)
	}
	loc = e.ExtractEntities("Meet in conference room 4B").Location
	if loc == nil || *loc != "conference room 4B" {
		t.Fatalf("location = %v, want conference room 4B", loc)
	}
}

func TestSubjectRejectsStopWords(t *testing.T) {
	e := newTestEngine()
	if s := e.ExtractEntities("Can we talk about it?").Subject; s != nil {
		t.Fatalf("subject = %q, want nil", *s)
	}
	if s := e.ExtractEntities("Book a room for the budget review.").Subject; s == nil || *s != "budget review" {
		t.Fatalf("subject = %v, want budget review", s)
	}
}

func TestSubjectRejectsDatePhrases(t *testing.T) {
	e := newTestEngine()
	for _, text := range []string{
		"Book a meeting for tomorrow",
		"Set up a call for next week",
		"Book a meeting for Friday",
	} {
		if s := e.ExtractEntities(text).Subject; s != nil {
			t.Errorf("ExtractEntities(%q).Subject = %q, want nil", text, *s)
		}
	}
}

func TestFirstSentenceKeepsRunes(t *testing.T) {
	text := strings.Repeat("a", maxTitleBytes-1) + "é and more"
	got := firstSentence(text)
	if !utf8.ValidString(got) {
		t.Fatalf("firstSentence cut a rune: %q", got)
	}
	if got != strings.Repeat("a", maxTitleBytes-1) {
		t.Fatalf("firstSentence = %q", got)
	}
	if short := firstSentence("Call Zoë. Then lunch"); short != "Call Zoë" {
		t.Fatalf("firstSentence = %q", short)
	}
}

func TestCalculatePriority(t *testing.T) {
	e := newTestEngine()
	cases := []struct {
		text string
		want int
	}{
		{"not urgent, whenever works", 2},
		{"emergency on the client site", 5},
		{"Follow up on the report", 3},
		{"Important: follow up on the report", 4},
		{"Important: follow up with the client", 5},
		{"Send the client deck tomorrow", 5},
		{"Send the deck tomorrow", 4},
	}
	for _, c := range cases {
		if got := e.CalculatePriority(c.text, e.ExtractEntities(c.text)); got != c.want {
			t.Errorf("CalculatePriority(%q) = %d, want %d", c.text, got, c.want)
		}
	}
}

func TestDecideBuildsScheduleAction(t *testing.T) {
	e := newTestEngine()
	d := e.Decide("Schedule a 30-minute meeting with john@example.com tomorrow at 3pm about Q4 planning")
	if d.Intent != "schedule_meeting" || len(d.Actions) != 1 || d.Actions[0].Type != "schedule_meeting" {
		t.Fatalf("decision = %+v", d)
	}
	params := d.Actions[0].Params
	if params["start_at"] != "2026-03-05T15:00:00Z" {
		t.Fatalf("start_at = %v", params["start_at"])
	}
	if params["duration_minutes"] != 30 || params["title"] != "Q4 planning" {
		t.Fatalf("params = %+v", params)
	}
}
