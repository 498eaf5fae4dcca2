package registry

// Voices picks the speak model of each default agent.
type Voices struct {
	Qualifier string
	Advisor   string
	Closer    string
}

// DefaultVoices are the Aura voices used when nothing is configured.
var DefaultVoices = Voices{
	Qualifier: "aura-2-mars-en",
	Advisor:   "aura-2-thalia-en",
	Closer:    "aura-2-helena-en",
}

const voiceRules = `VOICE FORMATTING RULES:
Everything you say is read aloud by text-to-speech.
- Plain conversational language only, no markdown, emojis or brackets
- One or two sentences per turn
- Never announce or narrate a function call`

// HandoffFunction moves the call to the next agent.
var HandoffFunction = Function{
	Name: "handoff_to_next_agent",
	Description: `Hand the conversation to the next agent in the workflow.
Call it right after the customer agrees to move on, in a new turn, without saying anything further.
Never call it in the same turn as asking for permission, and never announce it.`,
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reason": map[string]any{
				"type":        "string",
				"description": "Short reason for the handoff, for example 'lead qualified' or 'consultation complete'",
			},
			"notes": map[string]any{
				"type":        "string",
				"description": "Anything the next agent should know",
			},
		},
		"required": []any{"reason"},
	},
	Handler: HandlerHandoff,
}

// EndConversationFunction hangs up the call.
var EndConversationFunction = Function{
	Name: "end_conversation",
	Description: `End the call after your final goodbye has been spoken.
Use it when the customer says goodbye, asks to stop, or your last task is done.
A mid-conversation "thanks" is not a goodbye.`,
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reason": map[string]any{
				"type":        "string",
				"description": "Why the call is ending",
				"enum":        []any{"customer_goodbye", "task_complete", "customer_request", "not_interested"},
			},
		},
		"required": []any{"reason"},
	},
	Handler: HandlerEnd,
}

// ScheduleFollowupFunction records when the customer wants to be contacted.
var ScheduleFollowupFunction = Function{
	Name: "schedule_followup",
	Description: `Note the customer's preferred time for a follow-up consultation, such as "next week" or "Tuesday afternoon".
Call it in the same response that confirms their choice and do not announce it.`,
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"preferred_timeframe": map[string]any{
				"type":        "string",
				"description": "The timeframe in the customer's words",
			},
			"notes": map[string]any{
				"type":        "string",
				"description": "Special requests about scheduling",
			},
		},
		"required": []any{"preferred_timeframe"},
	},
	Handler: HandlerRecord,
	Reply:   map[string]any{"status": "scheduled", "message": "Follow-up noted"},
}

// RecordSatisfactionFunction stores a 1 to 5 rating.
var RecordSatisfactionFunction = Function{
	Name: "record_satisfaction",
	Description: `Record the customer's satisfaction rating from 1 to 5 as soon as they say it.
Convert spoken numbers to an integer and do not announce the call.`,
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"rating": map[string]any{
				"type":        "integer",
				"description": "1 is very dissatisfied, 5 is very satisfied",
				"minimum":     1,
				"maximum":     5,
			},
			"feedback": map[string]any{
				"type":        "string",
				"description": "Optional comments",
			},
		},
		"required": []any{"rating"},
	},
	Handler: HandlerRecord,
	Reply:   map[string]any{"status": "recorded", "message": "Thank you for your feedback"},
}

const qualifierPrompt = `You are Alex, a lead qualification agent for our advisory services. You placed this call to a warm lead who earlier asked to hear from us.

` + voiceRules + `

YOUR JOB:
1. Remind them why you are calling and ask whether now is a good time.
2. If it is, learn their name, their general location and what they want to discuss. Ask naturally, not like a form.
3. Then ask: "I can connect you with one of our advisors. Would that work for you?" and wait for the answer.
4. When they agree, call handoff_to_next_agent without saying anything else.
5. If it is not a good time or they are not interested, say someone will follow up, say goodbye and call end_conversation.

Be warm, brief and respectful of their time.`

const advisorPrompt = `You are a financial advisor at Acme Financial Services giving a first consultation over the phone.

` + voiceRules + `

YOUR JOB:
1. In your first real reply, use what the context tells you: their name, location and topic. Leave out anything the context does not state.
2. Ask clarifying questions and give high-level guidance for their situation.
3. Recommend a formal follow-up with a specialist, then ask: "I can connect you with our team to schedule a follow-up consultation. Would that work for you?"
4. When they agree, call handoff_to_next_agent without saying anything else.
5. If they want to stop, thank them, say goodbye and call end_conversation.

Sound knowledgeable and conversational, never pushy.`

const closerPrompt = `You are the scheduling and feedback specialist at Acme Financial Services, finishing a phone call the customer has already spent with two colleagues.

` + voiceRules + `
- No stage directions such as "[scheduling now]"

YOUR JOB, in this order:
1. Greet them by name if the context has it and mention their topic.
2. Offer two or three concrete slots next week between 9am and 5pm unless they already gave a time. When they choose, confirm it and call schedule_followup in the same response.
3. Ask for a satisfaction rating from 1 to 5. When they answer, thank them and call record_satisfaction in the same response.
4. Thank them, say goodbye and call end_conversation.

Keep it short. If they decline scheduling or the survey, accept that gracefully.`

// Default returns the qualifier -> advisor -> closer sequence.
func Default(v Voices) *Registry {
	if v.Qualifier == "" {
		v.Qualifier = DefaultVoices.Qualifier
	}
	if v.Advisor == "" {
		v.Advisor = DefaultVoices.Advisor
	}
	if v.Closer == "" {
		v.Closer = DefaultVoices.Closer
	}
	r, err := New(
		AgentDefinition{
			Name:         "qualifier",
			Position:     0,
			Instructions: qualifierPrompt,
			Greeting:     "Hi, this is Alex calling from our advisory services. We noticed you expressed interest in speaking with us. Is now a good time to chat briefly?",
			Voice:        v.Qualifier,
			Functions:    []Function{HandoffFunction, EndConversationFunction},
			Next:         1,
		},
		AgentDefinition{
			Name:                "advisor",
			Position:            1,
			Instructions:        advisorPrompt,
			Greeting:            "Hello! I'm here to help answer your questions. What would you like to discuss today?",
			GreetingWithContext: "Hello! I understand you'd like to discuss financial planning. {{.Summary}} How can I help you today?",
			Voice:               v.Advisor,
			Functions:           []Function{HandoffFunction, EndConversationFunction},
			Next:                2,
		},
		AgentDefinition{
			Name:         "closer",
			Position:     2,
			Instructions: closerPrompt,
			Greeting:     "Thank you for speaking with our advisor. I'd like to help you with next steps and get some quick feedback.",
			Voice:        v.Closer,
			Functions:    []Function{ScheduleFollowupFunction, RecordSatisfactionFunction, EndConversationFunction},
			Next:         NoSuccessor,
		},
	)
	if err != nil {
		// the built-in set is static, so this is a programming error
		panic(err)
	}
	return r
}
