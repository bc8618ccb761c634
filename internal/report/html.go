package report

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.Table))

// Markdown returns the recap as Markdown text.
func Markdown(r *DailyReport, name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Daily Recap – %s\n\n", r.Date)
	if name != "" {
		fmt.Fprintf(&b, "Here's your day in review, %s!\n\n", name)
	}
	fmt.Fprintf(&b, "**Total Consumed:** %s kcal\n\n", kcal(r.Calories))
	fmt.Fprintf(&b, "**Budget:** %d kcal | **Remaining:** %s kcal\n\n", r.Budget, kcal(r.Remaining))
	b.WriteString("| Macro | Grams |\n|---|---|\n")
	fmt.Fprintf(&b, "| Protein | %s |\n", r.ProteinG.Round(1).String())
	fmt.Fprintf(&b, "| Carbs | %s |\n", r.CarbsG.Round(1).String())
	fmt.Fprintf(&b, "| Fat | %s |\n\n", r.FatG.Round(1).String())
	fmt.Fprintf(&b, "%d foods across %d messages.\n\n", r.FoodCount, r.MessageCount)
	b.WriteString("*Keep up the great work!*\n")
	return b.String()
}

// RenderHTML renders the recap as a standalone HTML page.
func RenderHTML(r *DailyReport, name string) ([]byte, error) {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(Markdown(r, name)), &body); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}

	var page bytes.Buffer
	fmt.Fprintf(&page, `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Daily Recap – %s</title></head>
<body style="font-family: sans-serif; font-size: 15px; line-height: 1.5; max-width: 600px; margin: auto;">
%s
</body></html>`, r.Date, body.String())
	return page.Bytes(), nil
}
