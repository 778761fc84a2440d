// Package grading turns a question set, submitted answers and a grading
// policy into a score breakdown. It is deterministic: no clock, no
// randomness, no I/O. Re-running it over historical raw answers reproduces
// the same breakdown, which the regrade path relies on.
package grading

import (
	"strconv"
	"strings"
)

type QuestionType string

const (
	TrueFalse        QuestionType = "TRUE_FALSE"
	MultipleChoice   QuestionType = "MCQ"
	MultipleResponse QuestionType = "MULTIPLE_RESPONSE"
	ShortAnswer      QuestionType = "SHORT_ANSWER"
	FillBlank        QuestionType = "FILL_BLANK"
)

// Question is the normalized shape the engine grades against. Legacy
// correct-answer representations are resolved by NormalizeCorrect at
// ingestion, so the engine itself never branches on schema vintage.
type Question struct {
	ID      string
	Type    QuestionType
	Marks   float64
	Section string

	// Correct is the set of correct option ids (choice types) or the
	// single expected text (true/false, short answer, fill-in-blank).
	Correct []string
}

// Policy carries the exam-level grading knobs.
type Policy struct {
	NegativeMarking bool
	PenaltyPerWrong float64
	PassingMarks    float64
}

// QuestionScore is the per-question outcome.
type QuestionScore struct {
	QuestionID   string  `json:"question_id"`
	Attempted    bool    `json:"attempted"`
	Correct      bool    `json:"correct"`
	MarksAwarded float64 `json:"marks_awarded"`
}

// Analysis summarizes a breakdown for display.
type Analysis struct {
	Attempted  int     `json:"attempted"`
	Correct    int     `json:"correct"`
	Incorrect  int     `json:"incorrect"`
	Unanswered int     `json:"unanswered"`
	Accuracy   float64 `json:"accuracy"`
}

// Breakdown is the full grading result.
type Breakdown struct {
	Questions     []QuestionScore
	TotalScore    float64
	TotalMarks    float64
	Percentage    float64
	Passed        bool
	Analysis      Analysis
	SectionScores map[string]float64
}

// NormalizeCorrect resolves the correct-answer set for a question given the
// current options-flag representation and the legacy single-field fallback.
// Option ids flagged correct win; the legacy field is used only when no
// option carries the flag.
func NormalizeCorrect(optionIDs []string, flagged []bool, legacy string) []string {
	correct := make([]string, 0, len(optionIDs))
	for i, id := range optionIDs {
		if i < len(flagged) && flagged[i] {
			correct = append(correct, id)
		}
	}
	if len(correct) > 0 {
		return correct
	}
	legacy = strings.TrimSpace(legacy)
	if legacy == "" {
		return nil
	}
	return []string{legacy}
}

// Grade evaluates submitted answers against the question set. Answers keyed
// by unknown question ids are ignored rather than treated as fatal; a
// recruitment pipeline must never lose a submission to a grading error.
func Grade(questions []Question, answers map[string]any, policy Policy) Breakdown {
	b := Breakdown{
		Questions:     make([]QuestionScore, 0, len(questions)),
		SectionScores: make(map[string]float64),
	}

	for _, q := range questions {
		b.TotalMarks += q.Marks

		score := QuestionScore{QuestionID: q.ID}
		raw, ok := answers[q.ID]
		selection := normalizeAnswer(raw)
		if !ok || len(selection) == 0 {
			b.Questions = append(b.Questions, score)
			continue
		}

		score.Attempted = true
		b.Analysis.Attempted++

		correct := evaluate(q, selection)
		if correct {
			score.Correct = true
			score.MarksAwarded = q.Marks
			b.Analysis.Correct++
		} else {
			b.Analysis.Incorrect++
			if policy.NegativeMarking && negativeMarkable(q.Type) {
				score.MarksAwarded = -policy.PenaltyPerWrong
			}
		}

		b.TotalScore += score.MarksAwarded
		if q.Section != "" {
			b.SectionScores[q.Section] += score.MarksAwarded
		}
		b.Questions = append(b.Questions, score)
	}

	b.Analysis.Unanswered = len(questions) - b.Analysis.Attempted
	if b.Analysis.Attempted > 0 {
		b.Analysis.Accuracy = float64(b.Analysis.Correct) / float64(b.Analysis.Attempted) * 100
	}
	if b.TotalMarks > 0 {
		// Negative totals are not floored; a negative percentage is the
		// source-of-record behavior.
		b.Percentage = b.TotalScore / b.TotalMarks * 100
	}
	b.Passed = b.TotalScore >= policy.PassingMarks

	return b
}

// Regrade re-scores historical raw answers with the current question set
// and policy. Grade is deterministic, so regrading unchanged inputs
// reproduces the stored scoring fields exactly.
func Regrade(questions []Question, answers map[string]any, policy Policy) Breakdown {
	return Grade(questions, answers, policy)
}

func evaluate(q Question, selection []string) bool {
	switch q.Type {
	case ShortAnswer, FillBlank:
		if len(q.Correct) == 0 || len(selection) != 1 {
			return false
		}
		return foldText(selection[0]) == foldText(q.Correct[0])
	case TrueFalse:
		if len(q.Correct) == 0 || len(selection) != 1 {
			return false
		}
		return strings.EqualFold(strings.TrimSpace(selection[0]), strings.TrimSpace(q.Correct[0]))
	default:
		// Choice types: exact set equality. Extra or missing selections
		// both fail; there is no partial credit.
		return setsEqual(selection, q.Correct)
	}
}

func negativeMarkable(t QuestionType) bool {
	switch t {
	case ShortAnswer, FillBlank:
		return false
	default:
		return true
	}
}

func foldText(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func setsEqual(a, b []string) bool {
	if len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[strings.TrimSpace(v)] = struct{}{}
	}
	if len(set) != len(b) {
		return false
	}
	for _, v := range b {
		if _, ok := set[strings.TrimSpace(v)]; !ok {
			return false
		}
	}
	return true
}

// normalizeAnswer flattens the submitted value into a selection list. JSON
// decoding hands us strings, booleans, numbers or []any; all well-formed
// scalars are accepted, everything else counts as unattempted.
func normalizeAnswer(raw any) []string {
	switch v := raw.(type) {
	case nil:
		return nil
	case []string:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if strings.TrimSpace(item) != "" {
				out = append(out, item)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := scalarString(item); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		if s, ok := scalarString(raw); ok {
			return []string{s}
		}
		return nil
	}
}

// scalarString stringifies a single submitted value. Clients encode
// TRUE_FALSE answers as JSON booleans and numeric option ids as numbers;
// both must survive the trip through the untyped answer map.
func scalarString(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return "", false
		}
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	default:
		return "", false
	}
}
