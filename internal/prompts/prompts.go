// Package prompts assembles the system prompt sent to the LLM for each
// call turn.
package prompts

// DefaultSystem is used when no operator-configured prompt is set.
const DefaultSystem = "أنتِ سارة، موظفة استقبال افتراضية في مركز اتصال طبي سعودي. ردي بإيجاز وود."

// segmentFormat instructs the model to emit its reply as a JSON array of
// response segments rather than bare prose, so the orchestrator can route
// each piece to a persona voice and act on any embedded instruction.
const segmentFormat = `أجيبي بمصفوفة JSON فقط، بدون أي نص خارجها، بالشكل التالي:
[{"persona": "sara", "text": "...", "emotion": "neutral", "action": "none"}]
قيم action المسموحة: none, transfer_persona, book_appointment, check_insurance, end_call.`

// ForSession resolves the final system prompt for a call session, combining
// the operator-configured (or default) prompt with the segment output
// format instructions.
func ForSession(systemPrompt string) string {
	base := systemPrompt
	if base == "" {
		base = DefaultSystem
	}
	return base + "\n\n" + segmentFormat
}
