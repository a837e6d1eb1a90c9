package pipeline

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Action is an out-of-band instruction a response segment can carry
// alongside its spoken text.
type Action string

const (
	ActionNone            Action = "none"
	ActionTransferPersona Action = "transfer_persona"
	ActionBookAppointment Action = "book_appointment"
	ActionCheckInsurance  Action = "check_insurance"
	ActionEndCall         Action = "end_call"
)

var knownActions = map[string]Action{
	string(ActionNone):            ActionNone,
	string(ActionTransferPersona): ActionTransferPersona,
	string(ActionBookAppointment): ActionBookAppointment,
	string(ActionCheckInsurance):  ActionCheckInsurance,
	string(ActionEndCall):         ActionEndCall,
}

// ResponseSegment is one piece of an LLM turn's reply: a persona voice to
// speak it in, the text to synthesize, an emotional coloring for the TTS
// persona, and an optional action for the orchestrator to carry out once
// the segment has played.
type ResponseSegment struct {
	Persona string `json:"persona"`
	Text    string `json:"text"`
	Emotion string `json:"emotion"`
	Action  Action `json:"action"`
}

const defaultPersona = "sara"
const defaultEmotion = "neutral"

// ParseSegments defensively decodes an LLM turn's raw text into a sequence
// of response segments. It tolerates two shapes, in order:
//
//  1. A JSON array of segment objects, optionally wrapped in a markdown
//     code fence (```json ... ``` or ``` ... ```).
//  2. Plain text with no JSON structure at all, which becomes a single
//     segment using the default persona and emotion and no action.
//
// An unrecognized action value decodes to ActionNone rather than failing
// the whole parse, so one malformed field never discards an otherwise
// usable segment.
func ParseSegments(raw string) []ResponseSegment {
	candidate := stripCodeFence(raw)

	if segs, ok := parseJSONArray(candidate); ok {
		return segs
	}

	return []ResponseSegment{{
		Persona: defaultPersona,
		Text:    strings.TrimSpace(raw),
		Emotion: defaultEmotion,
		Action:  ActionNone,
	}}
}

func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimPrefix(s, "\n")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func parseJSONArray(candidate string) ([]ResponseSegment, bool) {
	if !gjson.Valid(candidate) {
		return nil, false
	}
	result := gjson.Parse(candidate)
	if !result.IsArray() {
		return nil, false
	}

	var segs []ResponseSegment
	for _, item := range result.Array() {
		persona := item.Get("persona").String()
		if persona == "" {
			persona = defaultPersona
		}
		emotion := item.Get("emotion").String()
		if emotion == "" {
			emotion = defaultEmotion
		}
		action, ok := knownActions[item.Get("action").String()]
		if !ok {
			action = ActionNone
		}
		segs = append(segs, ResponseSegment{
			Persona: persona,
			Text:    item.Get("text").String(),
			Emotion: emotion,
			Action:  action,
		})
	}
	if len(segs) == 0 {
		return nil, false
	}
	return segs, true
}
