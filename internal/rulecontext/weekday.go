package rulecontext

import (
	"fmt"
	"strings"
	"time"
)

// AlwaysActive is the no-context default: every date is active.
type AlwaysActive struct{}

func (AlwaysActive) ID() string { return "default" }

func (AlwaysActive) Validate(string) error { return nil }

func (AlwaysActive) IsActive(time.Time, string) bool { return true }

// WeekdayPlan activates on a configured set of weekdays. The detail is
// either a named preset ("weekdays", "weekend", or comma-separated day
// names) or a 7-character mask starting Monday, '1'/'X'/'Y' marking an
// active day and '0'/'-'/'N' an inactive one.
type WeekdayPlan struct{}

func (WeekdayPlan) ID() string { return "weekday-plan" }

var dayNames = map[string]time.Weekday{
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
	"sunday":    time.Sunday,
}

func (WeekdayPlan) Validate(detail string) error {
	_, err := parsePlan(detail)
	return err
}

func (WeekdayPlan) IsActive(ref time.Time, detail string) bool {
	// Validate ran at load time; a parse failure here cannot happen for
	// a loaded configuration.
	active, err := parsePlan(detail)
	if err != nil {
		return false
	}
	return active[ref.Weekday()]
}

// parsePlan turns a detail string into an active-weekday set.
func parsePlan(detail string) (map[time.Weekday]bool, error) {
	detail = strings.TrimSpace(strings.ToLower(detail))
	active := make(map[time.Weekday]bool)

	switch detail {
	case "":
		return nil, fmt.Errorf("weekday plan detail is empty")
	case "weekdays":
		for d := time.Monday; d <= time.Friday; d++ {
			active[d] = true
		}
		return active, nil
	case "weekend":
		active[time.Saturday] = true
		active[time.Sunday] = true
		return active, nil
	}

	if strings.Contains(detail, ",") || dayNameOnly(detail) {
		for _, name := range strings.Split(detail, ",") {
			day, ok := dayNames[strings.TrimSpace(name)]
			if !ok {
				return nil, fmt.Errorf("unknown weekday name %q", strings.TrimSpace(name))
			}
			active[day] = true
		}
		return active, nil
	}

	if len(detail) != 7 {
		return nil, fmt.Errorf("weekday mask %q must be 7 characters starting Monday", detail)
	}
	// Mask index 0 is Monday; time.Weekday starts at Sunday.
	order := []time.Weekday{
		time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
		time.Friday, time.Saturday, time.Sunday,
	}
	for i, c := range detail {
		switch c {
		case '1', 'x', 'y':
			active[order[i]] = true
		case '0', '-', 'n':
		default:
			return nil, fmt.Errorf("weekday mask %q has invalid character %q", detail, string(c))
		}
	}
	return active, nil
}

func dayNameOnly(detail string) bool {
	_, ok := dayNames[detail]
	return ok
}
