package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/nugget/dietbot/internal/ledger"
	"github.com/nugget/dietbot/internal/llm"
	"github.com/nugget/dietbot/internal/report"
)

// SystemPrompt is the fixed coaching prompt. The profile summary, local
// time and today's totals are appended per turn.
const SystemPrompt = `You are DietBot, a helpful diet coach. You must communicate exclusively through calling ONE JSON tool per turn. After thinking, decide the most appropriate tool. If you need to send a plain reply, use the respond tool.

Rules:
- Call exactly one tool per answer and write no text outside it.
- When the user tells you what they ate or sends a food photo, call estimate_calories first. The foods it returns are logged automatically with your reply.
- When the user reports a new weight, goal, activity level, timezone or schedule, call update_profile.
- Use fetch_recent_messages only when you need more history than you were given.
- Finish every conversation with respond, or end_conversation when no reply is needed.
- Keep replies short, friendly and specific: mention calories and what is left of today's budget when relevant.`

const (
	// apologyText is sent when a turn cannot be completed.
	apologyText = "Sorry, something went wrong on my side. Please try again in a moment."

	// fallbackText is sent when a turn runs out of tool calls.
	fallbackText = "Sorry, I couldn't finish that one. Could you say it again, maybe a bit more simply?"
)

// systemMessage builds the system prompt for one turn.
func systemMessage(p *ledger.Profile, now time.Time, today *report.DailyReport) string {
	loc := p.Location()
	local := now.In(loc)

	var b strings.Builder
	b.WriteString(SystemPrompt)
	b.WriteString("\n\n## User profile\n")
	fmt.Fprintf(&b, "- Name: %s\n", orUnknown(p.Name))
	if p.Age > 0 {
		fmt.Fprintf(&b, "- Age: %d\n", p.Age)
	}
	if p.HeightCM > 0 {
		fmt.Fprintf(&b, "- Height: %g cm\n", p.HeightCM)
	}
	if p.WeightKG > 0 {
		fmt.Fprintf(&b, "- Weight: %g kg\n", p.WeightKG)
	}
	if p.GoalWeightKG > 0 {
		fmt.Fprintf(&b, "- Goal weight: %g kg\n", p.GoalWeightKG)
	}
	fmt.Fprintf(&b, "- Activity level: %s\n", orUnknown(p.ActivityLevel))
	if p.CalorieBudget > 0 {
		fmt.Fprintf(&b, "- Daily calorie budget: %d kcal\n", p.CalorieBudget)
	} else {
		b.WriteString("- Daily calorie budget: unknown (ask for the missing profile details)\n")
	}
	fmt.Fprintf(&b, "- Timezone: %s\n", p.Timezone)

	b.WriteString("\n## Now\n")
	fmt.Fprintf(&b, "%s (%s)\n", local.Format("Monday, 2006-01-02 15:04"), loc)

	if today != nil {
		b.WriteString("\n## Today so far\n")
		fmt.Fprintf(&b, "- Consumed: %s kcal (protein %s g, carbs %s g, fat %s g)\n",
			today.Calories.Round(0), today.ProteinG.Round(1), today.CarbsG.Round(1), today.FatG.Round(1))
		fmt.Fprintf(&b, "- Remaining: %s kcal\n", today.Remaining.Round(0))
		fmt.Fprintf(&b, "- Food items logged: %d\n", today.FoodCount)
	}
	return b.String()
}

// historyMessage renders a stored ledger message for the model.
func historyMessage(m ledger.Message) llm.Message {
	role := llm.RoleUser
	if m.Role == ledger.RoleAI {
		role = llm.RoleAssistant
	}

	var b strings.Builder
	if m.Type == ledger.TypeImage {
		fmt.Fprintf(&b, "[photo image_ref=%s] ", m.ObjectPath)
	}
	b.WriteString(m.Content)
	if len(m.Food) > 0 {
		names := make([]string, 0, len(m.Food))
		for _, f := range m.Food {
			names = append(names, fmt.Sprintf("%s %.0f kcal", f.Name, f.Calories))
		}
		fmt.Fprintf(&b, "\n[logged: %s]", strings.Join(names, "; "))
	}
	return llm.Message{Role: role, Content: strings.TrimSpace(b.String())}
}

// triggerMessage is the last message of the context. For user messages it
// repeats what the user sent; scheduled triggers get an instruction that
// is never stored.
func triggerMessage(ev Event, p *ledger.Profile) llm.Message {
	switch ev.Trigger {
	case TriggerMorningCheckin:
		return llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(
			"[system event: morning_checkin] It is time for the morning check-in. "+
				"Greet %s and tell them their calorie budget for today. If the budget is unknown, call compute_daily_budget first. "+
				"A good reply looks like: \"Good morning, %s! Your calorie budget for today is %d kcal. Stay focused and have a great day!\"",
			orUnknown(p.Name), orUnknown(p.Name), p.CalorieBudget)}
	case TriggerDailyRecap:
		return llm.Message{Role: llm.RoleUser, Content: "[system event: daily_recap] It is time for the evening recap. " +
			"Call generate_daily_report for today, then respond with a short review of the day and attach the report " +
			"by passing its image_ref. A good caption starts with \"Here's your day in review!\""}
	}

	var b strings.Builder
	if ev.Type == ledger.TypeImage {
		fmt.Fprintf(&b, "[photo image_ref=%s", ev.ObjectPath)
		if ev.ImageData != nil && ev.ImageData.Resolution != "" {
			fmt.Fprintf(&b, " %s", ev.ImageData.Resolution)
		}
		b.WriteString("] ")
	}
	b.WriteString(ev.Text)
	return llm.Message{Role: llm.RoleUser, Content: strings.TrimSpace(b.String())}
}

// correctionMessage asks the model to try again after a contract violation.
func correctionMessage(cv *ContractViolation, tools []string) llm.Message {
	return llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(
		"[system] Your previous output was malformed: %s. "+
			"Answer again with exactly one call to one of these tools and no other text: %s.",
		cv.Error(), strings.Join(tools, ", "))}
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}
