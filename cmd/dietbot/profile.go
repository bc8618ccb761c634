package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nugget/dietbot/internal/ledger"
)

// profileFields lists the keys accepted by "profile set", in display order.
var profileFields = []string{
	"name", "phone_number", "age", "height_cm", "weight_kg", "goal_weight_kg",
	"activity_level", "timezone", "morning_checkin", "daily_recap",
}

func runProfile(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: dietbot profile show | profile set key=value...")
	}

	a, _, err := cliApp(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	switch args[0] {
	case "show":
		p, err := a.profile(ctx)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("no profile for %s; create one with: dietbot profile set key=value...", a.cfg.UserID)
		}
		return printProfile(stdout, p, outputFmt)

	case "set":
		if len(args) < 2 {
			return fmt.Errorf("usage: dietbot profile set key=value... (keys: %s)", strings.Join(profileFields, ", "))
		}
		p, err := a.ledger.Profile(ctx, a.cfg.UserID)
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			p = &ledger.Profile{UserID: a.cfg.UserID}
		case err != nil:
			return err
		}

		for _, kv := range args[1:] {
			key, value, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("expected key=value, got %q", kv)
			}
			if err := setProfileField(p, strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
				return err
			}
		}

		p.ApplyDefaults()
		if err := p.Validate(); err != nil {
			return fmt.Errorf("profile not saved: %w", err)
		}
		if _, err := p.Recompute(); err != nil {
			return err
		}
		p.UpdatedAt = time.Now()
		if err := a.ledger.PutProfile(ctx, p); err != nil {
			return fmt.Errorf("save profile: %w", err)
		}
		return printProfile(stdout, p, outputFmt)

	default:
		return fmt.Errorf("unknown profile command: %s", args[0])
	}
}

// setProfileField assigns one "profile set" key. Numbers are parsed
// strictly; clocks and time zones are checked here so the error names
// the field.
func setProfileField(p *ledger.Profile, key, value string) error {
	var err error
	switch key {
	case "name":
		p.Name = value
	case "phone", "phone_number":
		p.PhoneNumber = value
	case "age":
		p.Age, err = strconv.Atoi(value)
	case "height_cm", "height":
		p.HeightCM, err = strconv.ParseFloat(value, 64)
	case "weight_kg", "weight":
		p.WeightKG, err = strconv.ParseFloat(value, 64)
	case "goal_weight_kg", "goal_weight":
		p.GoalWeightKG, err = strconv.ParseFloat(value, 64)
	case "activity_level", "activity":
		p.ActivityLevel = value
	case "timezone", "tz":
		if _, err = ledger.ParseTimezone(value); err == nil {
			p.Timezone = value
		}
	case "morning_checkin":
		if _, _, err = ledger.ParseClock(value); err == nil {
			p.Schedule.MorningCheckin = value
		}
	case "daily_recap":
		if _, _, err = ledger.ParseClock(value); err == nil {
			p.Schedule.DailyRecap = value
		}
	default:
		return fmt.Errorf("unknown profile field %q (valid: %s)", key, strings.Join(profileFields, ", "))
	}
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

func printProfile(w io.Writer, p *ledger.Profile, outputFmt string) error {
	if outputFmt == "json" {
		return writeJSON(w, p)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	rows := [][2]string{
		{"user_id", p.UserID},
		{"name", p.Name},
		{"phone_number", p.PhoneNumber},
		{"age", strconv.Itoa(p.Age)},
		{"height_cm", strconv.FormatFloat(p.HeightCM, 'f', -1, 64)},
		{"weight_kg", strconv.FormatFloat(p.WeightKG, 'f', -1, 64)},
		{"goal_weight_kg", strconv.FormatFloat(p.GoalWeightKG, 'f', -1, 64)},
		{"activity_level", p.ActivityLevel},
		{"timezone", p.Timezone},
		{"morning_checkin", p.Schedule.MorningCheckin},
		{"daily_recap", p.Schedule.DailyRecap},
		{"calorie_budget", strconv.Itoa(p.CalorieBudget)},
	}
	for _, r := range rows {
		fmt.Fprintf(tw, "%s:\t%s\n", r[0], r[1])
	}
	return tw.Flush()
}
