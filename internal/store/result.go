package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/examhall/internal/model"
)

// ScoreFunc computes a mark total for a paper from its questions in grading order.
type ScoreFunc func(paper model.Paper, questions []model.Question) (int, error)

// RecordScore loads the paper and its questions, computes the mark with
// score and upserts the (rollNumber, paperID) result, all in one transaction.
// It returns ErrNotFound when the paper does not exist; errors from score
// abort the transaction and are returned unchanged.
func (s *Store) RecordScore(ctx context.Context, paperID int64, rollNumber string, score ScoreFunc) (model.Result, error) {
	res := model.Result{RollNumber: rollNumber, PaperID: paperID}
	err := s.withTx(ctx, func(c conn) error {
		paper, err := getPaper(ctx, c, paperID)
		if err != nil {
			return err
		}
		questions, err := listQuestions(ctx, c, paperID)
		if err != nil {
			return fmt.Errorf("list questions: %w", err)
		}
		marks, err := score(paper, questions)
		if err != nil {
			return err
		}
		res.Marks = marks
		res.SubmittedAt = time.Now().UTC().Truncate(time.Second)
		return upsertResult(ctx, c, res)
	})
	if err != nil {
		return model.Result{}, err
	}
	return res, nil
}

func upsertResult(ctx context.Context, c conn, r model.Result) error {
	_, err := c.exec(ctx,
		`INSERT INTO results (roll_number, paper_id, marks, submitted_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (roll_number, paper_id) DO UPDATE SET marks = excluded.marks, submitted_at = excluded.submitted_at`,
		r.RollNumber, r.PaperID, r.Marks, r.SubmittedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

// GetResult returns the result for (rollNumber, paperID), or ErrNotFound.
func (s *Store) GetResult(ctx context.Context, rollNumber string, paperID int64) (model.Result, error) {
	var (
		r         model.Result
		submitted int64
	)
	err := s.conn().queryRow(ctx,
		`SELECT roll_number, paper_id, marks, submitted_at FROM results WHERE roll_number = ? AND paper_id = ?`,
		rollNumber, paperID,
	).Scan(&r.RollNumber, &r.PaperID, &r.Marks, &submitted)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Result{}, ErrNotFound
	}
	if err != nil {
		return model.Result{}, err
	}
	r.SubmittedAt = unixTime(submitted)
	return r, nil
}

// ListResultsByRoll returns a student's results joined with paper names.
func (s *Store) ListResultsByRoll(ctx context.Context, rollNumber string) ([]model.StudentResult, error) {
	rows, err := s.conn().query(ctx,
		`SELECT papers.id, papers.name, results.marks, papers.total_marks
		 FROM results
		 JOIN papers ON results.paper_id = papers.id
		 WHERE results.roll_number = ?
		 ORDER BY papers.id`, rollNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.StudentResult
	for rows.Next() {
		var r model.StudentResult
		if err := rows.Scan(&r.PaperID, &r.PaperName, &r.Marks, &r.TotalMarks); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListAllResults returns every result joined with the student and paper names.
func (s *Store) ListAllResults(ctx context.Context) ([]model.ResultRow, error) {
	rows, err := s.conn().query(ctx,
		`SELECT users.name, users.roll_number, papers.id, papers.name, results.marks, papers.total_marks, results.submitted_at
		 FROM results
		 JOIN users ON results.roll_number = users.roll_number
		 JOIN papers ON results.paper_id = papers.id
		 ORDER BY papers.id, users.roll_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ResultRow
	for rows.Next() {
		var (
			r         model.ResultRow
			submitted int64
		)
		if err := rows.Scan(&r.StudentName, &r.RollNumber, &r.PaperID, &r.PaperName, &r.Marks, &r.TotalMarks, &submitted); err != nil {
			return nil, err
		}
		r.SubmittedAt = unixTime(submitted)
		out = append(out, r)
	}
	return out, rows.Err()
}
