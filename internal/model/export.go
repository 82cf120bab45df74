package model

import "time"

// ResultsExport is the top-level JSON structure for result export.
type ResultsExport struct {
	ExportedAt time.Time      `json:"exported_at"`
	Papers     []PaperSummary `json:"papers"`
	Results    []ResultRow    `json:"results"`
}

// PaperSummary describes one paper in an export.
type PaperSummary struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	TotalMarks       int    `json:"total_marks"`
	MarksPerQuestion int    `json:"marks_per_question"`
	NumQuestions     int    `json:"num_questions"`
	NumResults       int    `json:"num_results"`
}
