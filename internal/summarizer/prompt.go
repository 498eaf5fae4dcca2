package summarizer

import (
	"fmt"
	"strings"
	"unicode"
)

// BuildPrompt picks the briefing prompt for the agent transition.
func BuildPrompt(req Request) string {
	var history strings.Builder
	for _, t := range req.Transcript {
		fmt.Fprintf(&history, "%s: %s\n", strings.ToUpper(t.Role), t.Content)
	}
	var earlier string
	if req.PreviousContext != "" {
		earlier = "Earlier context:\n" + req.PreviousContext + "\n\n"
	}

	switch {
	case req.From == "qualifier" && req.To == "advisor":
		return earlier + `Summarize this qualification call for the ADVISOR who will run the consultation.

Conversation:
` + history.String() + `
Write a 2-3 sentence briefing covering the customer's name and location if given, their specific need, any urgency or timeline, and why they qualified.
Write it the way you would brief a colleague, not as bullet points.

Summary:`
	case req.From == "advisor" && req.To == "closer":
		return earlier + `Summarize this consultation for the CLOSER who will book the follow-up and ask for feedback.

Conversation:
` + history.String() + `
Write a 2-3 sentence briefing covering the recommendations discussed, the customer's interest level, any objections, and the next steps agreed.
Write it the way you would brief a colleague, not as bullet points.

Summary:`
	}
	return earlier + fmt.Sprintf(`Summarize this conversation for a handoff from %s to %s.

Conversation:
%s
Give a 2-3 sentence briefing of the key points and where things stand, not bullet points.

Summary:`, req.From, req.To, history.String())
}

// Extracted holds details pulled from the transcript without the model.
type Extracted struct {
	CustomerName string
	Engagement   string
}

var nameLeads = []string{"my name is ", "name's ", "this is ", "i'm ", "i am ", "call me "}

// Extract looks for a self-introduced name and a rough engagement level in the
// user's turns.
func Extract(turns []Turn) Extracted {
	var out Extracted
	var all strings.Builder
	for _, t := range turns {
		if t.Role != "user" {
			continue
		}
		all.WriteString(strings.ToLower(t.Content))
		all.WriteByte(' ')
		if out.CustomerName == "" {
			out.CustomerName = nameFrom(t.Content)
		}
	}
	text := all.String()
	switch {
	case strings.Contains(text, "yes") || strings.Contains(text, "interested"):
		out.Engagement = "high"
	case strings.Contains(text, "maybe") || strings.Contains(text, "not sure"):
		out.Engagement = "medium"
	default:
		out.Engagement = "unknown"
	}
	return out
}

func nameFrom(utterance string) string {
	lower := strings.ToLower(utterance)
	for _, lead := range nameLeads {
		idx := strings.Index(lower, lead)
		if idx < 0 {
			continue
		}
		rest := strings.Fields(utterance[idx+len(lead):])
		if len(rest) == 0 {
			continue
		}
		word := strings.TrimFunc(rest[0], func(r rune) bool { return !unicode.IsLetter(r) })
		if len(word) > 1 && unicode.IsUpper([]rune(word)[0]) {
			return word
		}
	}
	return ""
}

// BuildContext formats the string injected into the next agent's prompt.
func BuildContext(summary string, x Extracted) string {
	parts := []string{"Previous conversation summary: " + summary}
	if x.CustomerName != "" {
		parts = append(parts, "Customer name: "+x.CustomerName)
	}
	if x.Engagement != "" {
		parts = append(parts, "Engagement level: "+x.Engagement)
	}
	return strings.Join(parts, "\n")
}
