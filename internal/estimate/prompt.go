package estimate

// systemPrompt instructs estimation models to answer with the food
// list document and nothing else.
const systemPrompt = `You are a nutrition estimator. Identify every food item in the meal the user describes or photographs and estimate its weight, calories and macronutrients.

Respond with a single JSON object and nothing else, in exactly this shape:
{"foods":[{"name":"<food name>","estimated_grams":<number>,"calories":<number>,"macros":{"protein_g":<number>,"carbs_g":<number>,"fat_g":<number>}}]}

Rules:
- Include at least one food.
- All numbers are non-negative.
- Do not add any other fields, comments or prose.`

// userPrompt is the text part sent alongside an image or description.
func userPrompt(in Input) string {
	if in.IsImage() {
		if in.Text != "" {
			return "Estimate the foods in this photo. The user's caption: " + in.Text
		}
		return "Estimate the foods in this photo."
	}
	return "Estimate the foods in this meal: " + in.Text
}
