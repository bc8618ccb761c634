package ledger

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Activity levels and their TDEE multipliers.
var activityFactors = map[string]float64{
	"sedentary":   1.2,
	"light":       1.375,
	"moderate":    1.55,
	"active":      1.725,
	"very_active": 1.9,
}

// MinimumBudget is the floor applied to every computed budget.
const MinimumBudget = 1200

// ActivityLevels lists the accepted activity level names.
func ActivityLevels() []string {
	return []string{"sedentary", "light", "moderate", "active", "very_active"}
}

// Schedule holds the local times of the two automated conversations.
type Schedule struct {
	MorningCheckin string `json:"morning_checkin" firestore:"morning_checkin"`
	DailyRecap     string `json:"daily_recap" firestore:"daily_recap"`
}

// Profile is the single mutable record describing the coached user.
type Profile struct {
	UserID        string    `json:"user_id" firestore:"user_id"`
	PhoneNumber   string    `json:"phone_number" firestore:"phone_number"`
	Name          string    `json:"name" firestore:"name"`
	Age           int       `json:"age" firestore:"age"`
	HeightCM      float64   `json:"height_cm" firestore:"height_cm"`
	WeightKG      float64   `json:"weight_kg" firestore:"weight_kg"`
	GoalWeightKG  float64   `json:"goal_weight_kg" firestore:"goal_weight_kg"`
	ActivityLevel string    `json:"activity_level" firestore:"activity_level"`
	Timezone      string    `json:"timezone" firestore:"timezone"`
	Schedule      Schedule  `json:"schedule" firestore:"schedule"`
	CalorieBudget int       `json:"calorie_budget" firestore:"calorie_budget"`
	UpdatedAt     time.Time `json:"updated_at" firestore:"updated_at"`
}

// Biometrics are the five inputs of the daily budget.
type Biometrics struct {
	Age           int     `json:"age"`
	HeightCM      float64 `json:"height_cm"`
	WeightKG      float64 `json:"weight_kg"`
	GoalWeightKG  float64 `json:"goal_weight_kg"`
	ActivityLevel string  `json:"activity_level"`
}

// Biometrics returns the profile's budget inputs.
func (p *Profile) Biometrics() Biometrics {
	return Biometrics{
		Age:           p.Age,
		HeightCM:      p.HeightCM,
		WeightKG:      p.WeightKG,
		GoalWeightKG:  p.GoalWeightKG,
		ActivityLevel: p.ActivityLevel,
	}
}

// Recompute refreshes CalorieBudget from the current biometrics and
// reports whether it changed. Biometrics that cannot produce a budget
// clear it to zero and return the validation error, so a budget never
// outlives the fields it was computed from.
func (p *Profile) Recompute() (bool, error) {
	budget, err := ComputeBudget(p.Biometrics())
	if err != nil {
		budget = 0
	}
	changed := budget != p.CalorieBudget
	p.CalorieBudget = budget
	return changed, err
}

// ApplyDefaults fills an empty schedule and timezone.
func (p *Profile) ApplyDefaults() {
	if p.Schedule.MorningCheckin == "" {
		p.Schedule.MorningCheckin = "07:00"
	}
	if p.Schedule.DailyRecap == "" {
		p.Schedule.DailyRecap = "21:00"
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
}

// Validate checks profile fields that the rest of the system relies on.
func (p *Profile) Validate() error {
	var errs []error
	if p.UserID == "" {
		errs = append(errs, errors.New("user_id is empty"))
	}
	if _, err := ComputeBudget(p.Biometrics()); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseTimezone(p.Timezone); err != nil {
		errs = append(errs, err)
	}
	for name, v := range map[string]string{
		"schedule.morning_checkin": p.Schedule.MorningCheckin,
		"schedule.daily_recap":     p.Schedule.DailyRecap,
	} {
		if _, _, err := ParseClock(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Location returns the profile's time zone, or UTC when it cannot be parsed.
func (p *Profile) Location() *time.Location {
	loc, err := ParseTimezone(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ComputeBudget returns the daily calorie budget for b. It is a pure
// function: Mifflin-St Jeor BMR scaled by the activity factor, then
// adjusted toward the goal weight and floored at [MinimumBudget].
func ComputeBudget(b Biometrics) (int, error) {
	if b.Age <= 0 {
		return 0, fmt.Errorf("age must be positive, got %d", b.Age)
	}
	if b.HeightCM <= 0 {
		return 0, fmt.Errorf("height_cm must be positive, got %g", b.HeightCM)
	}
	if b.WeightKG <= 0 {
		return 0, fmt.Errorf("weight_kg must be positive, got %g", b.WeightKG)
	}
	if b.GoalWeightKG < 0 {
		return 0, fmt.Errorf("goal_weight_kg must not be negative, got %g", b.GoalWeightKG)
	}

	factor := 1.2
	if level := strings.ToLower(strings.TrimSpace(b.ActivityLevel)); level != "" {
		f, ok := activityFactors[level]
		if !ok {
			return 0, fmt.Errorf("activity_level %q unknown (valid: %s)", b.ActivityLevel, strings.Join(ActivityLevels(), ", "))
		}
		factor = f
	}

	bmr := 10*b.WeightKG + 6.25*b.HeightCM - 5*float64(b.Age) + 5
	tdee := bmr * factor

	switch {
	case b.GoalWeightKG == 0 || b.GoalWeightKG == b.WeightKG:
	case b.GoalWeightKG < b.WeightKG:
		tdee -= 500
	default:
		tdee += 300
	}

	budget := int(math.Round(tdee))
	if budget < MinimumBudget {
		budget = MinimumBudget
	}
	return budget, nil
}

var offsetPattern = regexp.MustCompile(`^(?:UTC|GMT)?\s*([+-])(\d{1,2})(?::?(\d{2}))?$`)

// ParseTimezone accepts an IANA zone name ("Europe/Berlin"), "UTC", or
// a fixed offset such as "+02:00", "-0530", "UTC+2" or "-3".
func ParseTimezone(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	switch strings.ToUpper(tz) {
	case "", "UTC", "GMT", "Z":
		return time.UTC, nil
	}

	if m := offsetPattern.FindStringSubmatch(strings.ToUpper(tz)); m != nil {
		hours, _ := strconv.Atoi(m[2])
		minutes := 0
		if m[3] != "" {
			minutes, _ = strconv.Atoi(m[3])
		}
		if hours > 14 || minutes > 59 {
			return nil, fmt.Errorf("timezone offset %q out of range", tz)
		}
		secs := hours*3600 + minutes*60
		if m[1] == "-" {
			secs = -secs
		}
		return time.FixedZone(fmt.Sprintf("UTC%s%02d:%02d", m[1], hours, minutes), secs), nil
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}

// ParseClock parses an "HH:MM" 24-hour time.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	return t.Hour(), t.Minute(), nil
}

// DayBounds returns the half-open interval [start, end) covering the
// calendar day containing t in loc. DST days are 23 or 25 hours long.
func DayBounds(t time.Time, loc *time.Location) (start, end time.Time) {
	local := t.In(loc)
	start = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	end = start.AddDate(0, 0, 1)
	return start, end
}

// ParseDay parses a "YYYY-MM-DD" date as local midnight in loc.
func ParseDay(s string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return d, nil
}
