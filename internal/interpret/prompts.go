package interpret

import (
	"fmt"
	"strings"

	"github.com/Brownie44l1/cxr-api/internal/conditions"
)

const findingsSystemPrompt = `You are a medical AI assistant that provides educational explanations of chest X-ray analysis results.

CRITICAL RULES (you must follow all):
1. You are NOT a doctor and do NOT provide medical diagnoses
2. Explain what the probabilities mean in simple terms
3. DO NOT claim any condition is definitely present or absent
4. Always emphasize uncertainty and the need for professional evaluation
5. Use calm, clear, non-alarmist language
6. Structure your response to be easy to read
7. Include a clear disclaimer at the end
8. Reference only the conditions provided in the data - do NOT invent or hallucinate other conditions
9. If asked for a diagnosis, firmly state you cannot diagnose and recommend consulting a healthcare professional
10. Explain that these are probabilistic model outputs, not definitive findings

Tone: Professional, calm, educational, careful.`

const chatSystemPrompt = `You are a helpful medical education assistant focusing on radiology and chest X-ray knowledge.

CRITICAL RULES:
1. Provide general medical education information only
2. Do NOT provide specific medical advice or diagnoses
3. Do NOT claim to have access to any imaging data
4. Recommend consulting healthcare professionals for specific concerns
5. Use clear, accurate medical terminology while remaining accessible
6. Always include appropriate disclaimers
7. Stay within your knowledge boundaries - if unsure, say so

Tone: Professional, educational, careful, helpful.`

// DefaultQuestion is asked when an image arrives without text.
const DefaultQuestion = "Please explain these results."

// FindingsPrompt renders the user turn for an analyzed image. It carries
// the condition names, their probabilities and the question, nothing else.
func FindingsPrompt(scores conditions.Scores, question string) string {
	question = strings.TrimSpace(question)
	if question == "" {
		question = DefaultQuestion
	}

	var sb strings.Builder
	sb.WriteString("The AI model has analyzed a chest X-ray and produced the following probability estimates for different conditions:\n\n")
	for i, s := range scores.List() {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "- %s: %.3f", s.Condition, s.Probability)
	}
	fmt.Fprintf(&sb, "\n\nUser question: %s\n\n", question)
	sb.WriteString(`Provide an educational interpretation of these results. Remember:
- These are probabilities, not diagnoses
- High probability does NOT guarantee the condition is present
- Low probability does NOT guarantee the condition is absent
- Professional medical evaluation is essential
- Always include a disclaimer`)
	return sb.String()
}
