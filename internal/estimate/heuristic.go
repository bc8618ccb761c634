package estimate

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/nugget/dietbot/internal/ledger"
)

// nutrient values per 100 g, and the grams of one serving.
type tableEntry struct {
	name     string
	keywords []string
	kcal     float64
	protein  float64
	carbs    float64
	fat      float64
	serving  float64
}

// foodTable is scanned in order; earlier entries win.
var foodTable = []tableEntry{
	{"Egg", []string{"egg", "eggs", "omelette", "omelet"}, 143, 12.6, 0.7, 9.5, 50},
	{"Bread", []string{"bread", "toast", "toasts"}, 265, 9, 49, 3.2, 30},
	{"Rice", []string{"rice"}, 130, 2.7, 28, 0.3, 150},
	{"Pasta", []string{"pasta", "spaghetti", "noodles", "macaroni"}, 158, 5.8, 31, 0.9, 180},
	{"Chicken", []string{"chicken"}, 165, 31, 0, 3.6, 150},
	{"Beef", []string{"beef", "steak"}, 250, 26, 0, 15, 150},
	{"Salmon", []string{"salmon", "fish", "tuna"}, 208, 20, 0, 13, 150},
	{"Tofu", []string{"tofu"}, 76, 8, 1.9, 4.8, 150},
	{"Beans", []string{"beans", "lentils", "chickpeas"}, 127, 8.7, 23, 0.5, 150},
	{"Potato", []string{"potato", "potatoes"}, 77, 2, 17, 0.1, 200},
	{"French fries", []string{"fries", "chips"}, 312, 3.4, 41, 15, 120},
	{"Pizza", []string{"pizza", "pizzas"}, 266, 11, 33, 10, 110},
	{"Burger", []string{"burger", "burgers", "hamburger", "cheeseburger"}, 295, 17, 24, 14, 200},
	{"Sandwich", []string{"sandwich", "sandwiches", "wrap"}, 250, 11, 28, 10, 200},
	{"Salad", []string{"salad", "salads"}, 20, 1.5, 3.5, 0.2, 150},
	{"Soup", []string{"soup"}, 40, 2, 5, 1.5, 300},
	{"Cheese", []string{"cheese"}, 402, 25, 1.3, 33, 30},
	{"Milk", []string{"milk"}, 42, 3.4, 5, 1, 250},
	{"Yogurt", []string{"yogurt", "yoghurt"}, 59, 10, 3.6, 0.4, 170},
	{"Oatmeal", []string{"oatmeal", "oats", "porridge"}, 68, 2.4, 12, 1.4, 250},
	{"Apple", []string{"apple", "apples"}, 52, 0.3, 14, 0.2, 180},
	{"Banana", []string{"banana", "bananas"}, 89, 1.1, 23, 0.3, 120},
	{"Orange", []string{"orange", "oranges"}, 47, 0.9, 12, 0.1, 130},
	{"Avocado", []string{"avocado", "avocados"}, 160, 2, 9, 15, 150},
	{"Nuts", []string{"nuts", "almonds", "peanuts", "walnuts"}, 579, 21, 22, 50, 30},
	{"Chocolate", []string{"chocolate"}, 546, 4.9, 61, 31, 40},
	{"Cookie", []string{"cookie", "cookies", "biscuit", "biscuits"}, 488, 5, 64, 24, 15},
	{"Coffee", []string{"coffee", "espresso", "latte"}, 2, 0.3, 0, 0, 240},
	{"Beer", []string{"beer", "beers"}, 43, 0.5, 3.6, 0, 330},
	{"Wine", []string{"wine"}, 83, 0.1, 2.6, 0, 150},
}

// UnidentifiedMeal is the fixed estimate for photos and text the
// heuristic cannot match.
var UnidentifiedMeal = ledger.Food{
	Name:           "Unidentified meal",
	EstimatedGrams: 300,
	Calories:       500,
	Macros:         ledger.Macros{ProteinG: 20, CarbsG: 55, FatG: 20},
}

var (
	gramsRe    = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:g|gr|gram|grams|ml)\b`)
	segmentRe  = regexp.MustCompile(`,|;|\+|\band\b|\bwith\b|&`)
	wordRe     = regexp.MustCompile(`[a-z]+|\d+(?:\.\d+)?`)
	wordCounts = map[string]float64{
		"a": 1, "an": 1, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
		"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
		"half": 0.5, "couple": 2,
	}
)

// Heuristic is the deterministic fallback estimator. The same input
// always yields the same foods, and the result is never empty.
func Heuristic(in Input) []ledger.Food {
	if in.IsImage() {
		return []ledger.Food{UnidentifiedMeal}
	}

	var foods []ledger.Food
	for _, seg := range segmentRe.Split(strings.ToLower(in.Text), -1) {
		if f, ok := estimateSegment(seg); ok {
			foods = append(foods, f)
		}
	}
	if len(foods) == 0 {
		return []ledger.Food{UnidentifiedMeal}
	}
	return foods
}

func estimateSegment(seg string) (ledger.Food, bool) {
	words := wordRe.FindAllString(seg, -1)

	entry, at := matchEntry(words)
	if entry == nil {
		return ledger.Food{}, false
	}

	grams := entry.serving
	if m := gramsRe.FindStringSubmatch(seg); m != nil {
		if g, err := strconv.ParseFloat(m[1], 64); err == nil && g > 0 {
			grams = g
		}
	} else if n := countBefore(words, at); n > 0 {
		grams = n * entry.serving
	}

	scale := grams / 100
	return ledger.Food{
		Name:           entry.name,
		EstimatedGrams: round1(grams),
		Calories:       round1(entry.kcal * scale),
		Macros: ledger.Macros{
			ProteinG: round1(entry.protein * scale),
			CarbsG:   round1(entry.carbs * scale),
			FatG:     round1(entry.fat * scale),
		},
	}, true
}

// matchEntry finds the first word that names a table entry.
func matchEntry(words []string) (*tableEntry, int) {
	for i, w := range words {
		for j := range foodTable {
			for _, kw := range foodTable[j].keywords {
				if w == kw {
					return &foodTable[j], i
				}
			}
		}
	}
	return nil, -1
}

// countBefore returns the nearest quantity preceding words[at], or 0.
func countBefore(words []string, at int) float64 {
	for i := at - 1; i >= 0 && i >= at-3; i-- {
		if n, err := strconv.ParseFloat(words[i], 64); err == nil && n > 0 {
			return n
		}
		if n, ok := wordCounts[words[i]]; ok {
			return n
		}
	}
	return 0
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
