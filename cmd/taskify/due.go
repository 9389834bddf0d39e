package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var dueParser = newDueParser()

func newDueParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

var dueLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseDue reads a due date given as a timestamp, a date, or a phrase such
// as "tomorrow 5pm" or "next friday". A nil result with no error means the
// text was empty.
func parseDue(text string, now time.Time) (*time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	for _, layout := range dueLayouts {
		if t, err := time.ParseInLocation(layout, text, now.Location()); err == nil {
			return &t, nil
		}
	}

	r, err := dueParser.Parse(text, now)
	if err != nil {
		return nil, fmt.Errorf("failed to parse due date %q: %w", text, err)
	}
	if r == nil {
		return nil, fmt.Errorf("could not understand due date %q", text)
	}
	t := r.Time
	return &t, nil
}
