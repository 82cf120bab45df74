package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/examhall/internal/model"
)

// CreatePaper inserts a paper and its questions, in order, in one transaction.
// A TotalMarks of zero is replaced by len(pairs) * MarksPerQuestion.
func (s *Store) CreatePaper(ctx context.Context, p model.Paper, pairs []model.QuestionPair) (model.Paper, error) {
	if p.TotalMarks == 0 {
		p.TotalMarks = len(pairs) * p.MarksPerQuestion
	}
	p.CreatedAt = time.Now().UTC().Truncate(time.Second)

	err := s.withTx(ctx, func(c conn) error {
		err := c.queryRow(ctx,
			`INSERT INTO papers (name, total_marks, marks_per_question, created_at) VALUES (?, ?, ?, ?) RETURNING id`,
			p.Name, p.TotalMarks, p.MarksPerQuestion, p.CreatedAt.Unix(),
		).Scan(&p.ID)
		if err != nil {
			return fmt.Errorf("insert paper: %w", err)
		}
		for i, qp := range pairs {
			_, err := c.exec(ctx,
				`INSERT INTO questions (paper_id, question, answer) VALUES (?, ?, ?)`,
				p.ID, qp.Question, qp.Answer,
			)
			if err != nil {
				return fmt.Errorf("insert question %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return model.Paper{}, err
	}
	slog.Info("created paper", "id", p.ID, "name", p.Name, "questions", len(pairs))
	return p, nil
}

// ListPapers returns all papers ordered by id.
func (s *Store) ListPapers(ctx context.Context) ([]model.Paper, error) {
	rows, err := s.conn().query(ctx,
		`SELECT id, name, total_marks, marks_per_question, created_at FROM papers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var papers []model.Paper
	for rows.Next() {
		var (
			p       model.Paper
			created int64
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.TotalMarks, &p.MarksPerQuestion, &created); err != nil {
			return nil, err
		}
		p.CreatedAt = unixTime(created)
		papers = append(papers, p)
	}
	return papers, rows.Err()
}

// GetPaper returns a paper by ID, or ErrNotFound.
func (s *Store) GetPaper(ctx context.Context, id int64) (model.Paper, error) {
	return getPaper(ctx, s.conn(), id)
}

func getPaper(ctx context.Context, c conn, id int64) (model.Paper, error) {
	var (
		p       model.Paper
		created int64
	)
	err := c.queryRow(ctx,
		`SELECT id, name, total_marks, marks_per_question, created_at FROM papers WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.TotalMarks, &p.MarksPerQuestion, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Paper{}, ErrNotFound
	}
	if err != nil {
		return model.Paper{}, err
	}
	p.CreatedAt = unixTime(created)
	return p, nil
}

// ListQuestions returns a paper's questions ordered by id. The order is the
// grading order.
func (s *Store) ListQuestions(ctx context.Context, paperID int64) ([]model.Question, error) {
	return listQuestions(ctx, s.conn(), paperID)
}

func listQuestions(ctx context.Context, c conn, paperID int64) ([]model.Question, error) {
	rows, err := c.query(ctx,
		`SELECT id, paper_id, question, answer FROM questions WHERE paper_id = ? ORDER BY id ASC`, paperID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.PaperID, &q.Question, &q.Answer); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// PaperSummaries returns every paper with its question and result counts.
func (s *Store) PaperSummaries(ctx context.Context) ([]model.PaperSummary, error) {
	rows, err := s.conn().query(ctx, `
		SELECT p.id, p.name, p.total_marks, p.marks_per_question,
		       (SELECT COUNT(*) FROM questions q WHERE q.paper_id = p.id),
		       (SELECT COUNT(*) FROM results r WHERE r.paper_id = p.id)
		FROM papers p ORDER BY p.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PaperSummary
	for rows.Next() {
		var ps model.PaperSummary
		if err := rows.Scan(&ps.ID, &ps.Name, &ps.TotalMarks, &ps.MarksPerQuestion, &ps.NumQuestions, &ps.NumResults); err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}
