// Package grading scores submitted answers against a paper's answer key.
package grading

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/pavelanni/examhall/internal/model"
	"github.com/pavelanni/examhall/internal/store"
)

var (
	// ErrNoQuestions is returned when the paper has no questions to grade.
	ErrNoQuestions = errors.New("paper has no questions")
	// ErrMissingRollNumber is returned when a submission has no student.
	ErrMissingRollNumber = errors.New("roll number is required")
)

const (
	// Positional answer fields: marks_0 answers the first question by id.
	indexFieldPrefix = "marks_"
	// Explicit answer fields: answer_42 answers question 42.
	questionFieldPrefix = "answer_"
)

// Submission is one student's answers to one paper.
type Submission struct {
	PaperID      int64
	RollNumber   string
	ByIndex      map[int]string   // position in id order -> answer
	ByQuestionID map[int64]string // question id -> answer; wins over ByIndex
}

// SubmissionFromForm collects marks_<index> and answer_<questionID> fields.
// Fields whose suffix is not a canonical decimal are ignored.
func SubmissionFromForm(paperID int64, rollNumber string, form url.Values) Submission {
	sub := Submission{
		PaperID:      paperID,
		RollNumber:   rollNumber,
		ByIndex:      map[int]string{},
		ByQuestionID: map[int64]string{},
	}
	for key, vals := range form {
		if len(vals) == 0 {
			continue
		}
		switch {
		case strings.HasPrefix(key, indexFieldPrefix):
			if i, ok := canonicalInt(strings.TrimPrefix(key, indexFieldPrefix)); ok {
				sub.ByIndex[int(i)] = vals[0]
			}
		case strings.HasPrefix(key, questionFieldPrefix):
			if id, ok := canonicalInt(strings.TrimPrefix(key, questionFieldPrefix)); ok {
				sub.ByQuestionID[id] = vals[0]
			}
		}
	}
	return sub
}

// canonicalInt parses a non-negative decimal with no sign or leading zeros,
// so marks_0, marks_00 and marks_+0 cannot all name the same question.
func canonicalInt(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 || strconv.FormatInt(n, 10) != s {
		return 0, false
	}
	return n, true
}

func (s Submission) answerFor(index int, questionID int64) (string, bool) {
	if a, ok := s.ByQuestionID[questionID]; ok {
		return a, true
	}
	a, ok := s.ByIndex[index]
	return a, ok
}

// Outcome is the grading of a single question.
type Outcome struct {
	Index      int   `json:"index"`
	QuestionID int64 `json:"question_id"`
	Answered   bool  `json:"answered"`
	Correct    bool  `json:"correct"`
	Awarded    int   `json:"awarded"`
}

// Breakdown is the grading of a whole submission.
type Breakdown struct {
	Total    int       `json:"total"`
	Max      int       `json:"max"`
	Outcomes []Outcome `json:"outcomes"`
}

// Normalize prepares an answer for comparison: surrounding whitespace is
// trimmed, the text is NFC-normalized and case-folded.
func Normalize(s string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
}

// Score grades sub against questions, which must be in id order. Each exact
// match after Normalize earns marksPerQuestion; anything else earns zero.
func Score(questions []model.Question, marksPerQuestion int, sub Submission) Breakdown {
	b := Breakdown{Outcomes: make([]Outcome, 0, len(questions))}
	for i, q := range questions {
		o := Outcome{Index: i, QuestionID: q.ID}
		answer, ok := sub.answerFor(i, q.ID)
		o.Answered = ok && strings.TrimSpace(answer) != ""
		if o.Answered && Normalize(answer) == Normalize(q.Answer) {
			o.Correct = true
			o.Awarded = marksPerQuestion
		}
		b.Total += o.Awarded
		b.Max += marksPerQuestion
		b.Outcomes = append(b.Outcomes, o)
	}
	return b
}

// Recorder persists a score computed inside the store's transaction.
type Recorder interface {
	RecordScore(ctx context.Context, paperID int64, rollNumber string, score store.ScoreFunc) (model.Result, error)
}

// Engine grades submissions and records results.
type Engine struct {
	results Recorder
}

// NewEngine creates an Engine backed by r.
func NewEngine(r Recorder) *Engine {
	return &Engine{results: r}
}

// Submit grades sub and upserts the student's result for the paper.
// It returns store.ErrNotFound for an unknown paper and ErrNoQuestions for
// a paper without questions; in both cases nothing is written.
func (e *Engine) Submit(ctx context.Context, sub Submission) (model.Result, Breakdown, error) {
	if strings.TrimSpace(sub.RollNumber) == "" {
		return model.Result{}, Breakdown{}, ErrMissingRollNumber
	}

	var breakdown Breakdown
	res, err := e.results.RecordScore(ctx, sub.PaperID, sub.RollNumber,
		func(paper model.Paper, questions []model.Question) (int, error) {
			if len(questions) == 0 {
				return 0, ErrNoQuestions
			}
			breakdown = Score(questions, paper.MarksPerQuestion, sub)
			return breakdown.Total, nil
		})
	if err != nil {
		return model.Result{}, Breakdown{}, err
	}

	slog.Info("recorded result",
		"paper_id", sub.PaperID,
		"roll_number", sub.RollNumber,
		"marks", res.Marks,
		"max", breakdown.Max,
	)
	slog.Debug("grading breakdown", "paper_id", sub.PaperID, "roll_number", sub.RollNumber, "outcomes", breakdown.Outcomes)
	return res, breakdown, nil
}
