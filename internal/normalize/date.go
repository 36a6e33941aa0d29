package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var errNoDate = errors.New("no date")

// DateLayouts is the fallback chain tried in order. Layouts without a zone
// are read in the normalizer's location.
var DateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"02/01/2006",
}

func parseDate(raw json.RawMessage, loc *time.Location) (time.Time, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return time.Time{}, errNoDate
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, fmt.Errorf("expected a date string, got %s", text)
	}
	return parseDateText(s, loc)
}

func parseDateText(s string, loc *time.Location) (time.Time, error) {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" || s == "-" {
		return time.Time{}, errNoDate
	}
	for _, layout := range DateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%q matches no known date layout", s)
}
