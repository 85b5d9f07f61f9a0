package domain

// Phase is a step of the follow-up interview.
type Phase string

const (
	// PhaseAwaitingQuery waits for the user's first message.
	PhaseAwaitingQuery Phase = "awaiting_query"
	// PhaseCollectingAnswers asks follow-up questions one at a time.
	PhaseCollectingAnswers Phase = "collecting_answers"
	// PhaseAwaitingDiagnosis waits for the analysis result.
	PhaseAwaitingDiagnosis Phase = "awaiting_diagnosis"
	// PhaseComplete is reached once the final bot message is shown.
	PhaseComplete Phase = "complete"
	// PhaseNoQuestions is reached when the backend returned no questions.
	PhaseNoQuestions Phase = "no_questions"
)

// Terminal reports whether the phase accepts no further input.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseAwaitingDiagnosis, PhaseComplete, PhaseNoQuestions:
		return true
	default:
		return false
	}
}

// Interview holds the follow-up state of one session.
type Interview struct {
	InitialQuery          string            `json:"initial_query"`
	Candidates            map[string]string `json:"candidates"`
	FollowUpQuestions     []string          `json:"follow_up_questions"`
	CurrentQuestionIndex  int               `json:"current_question_index"`
	UserFollowupResponses []string          `json:"user_followup_responses"`
}

// Clone returns a deep copy of the interview.
func (iv Interview) Clone() Interview {
	out := Interview{
		InitialQuery:         iv.InitialQuery,
		CurrentQuestionIndex: iv.CurrentQuestionIndex,
	}
	if iv.Candidates != nil {
		out.Candidates = make(map[string]string, len(iv.Candidates))
		for k, v := range iv.Candidates {
			out.Candidates[k] = v
		}
	}
	out.FollowUpQuestions = append([]string(nil), iv.FollowUpQuestions...)
	out.UserFollowupResponses = append([]string(nil), iv.UserFollowupResponses...)
	return out
}

// NextQuestion returns the question at the cursor, if any remain.
func (iv Interview) NextQuestion() (string, bool) {
	if iv.CurrentQuestionIndex >= len(iv.FollowUpQuestions) {
		return "", false
	}
	return iv.FollowUpQuestions[iv.CurrentQuestionIndex], true
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	ID            string    `json:"id"`
	Phase         Phase     `json:"phase"`
	Loading       bool      `json:"loading"`
	Busy          bool      `json:"busy"`
	QuestionIndex int       `json:"question_index"`
	QuestionCount int       `json:"question_count"`
	Messages      []Message `json:"messages"`
	Interview     Interview `json:"-"`
}
