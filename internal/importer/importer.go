// Package importer parses answer-key files into question/answer pairs.
package importer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pavelanni/examhall/internal/model"
)

// DefaultDelimiter separates question and answer on a line.
const DefaultDelimiter = '|'

// maxLineBytes bounds a single line of an answer-key file.
const maxLineBytes = 1 << 20

// ErrNoPairs is returned when a file contains no well-formed lines.
var ErrNoPairs = errors.New("no question/answer lines found")

// Parser turns an answer-key byte stream into ordered question/answer pairs.
type Parser interface {
	Parse(r io.Reader) ([]model.QuestionPair, error)
}

// Delimited parses one "question<sep>answer" pair per line.
//
// Lines that do not split into exactly two fields, or whose question or
// answer is blank, are skipped. The delimiter cannot be escaped.
type Delimited struct {
	Sep rune
}

// NewDelimited returns a parser for sep, or DefaultDelimiter when sep is zero.
func NewDelimited(sep rune) Delimited {
	if sep == 0 {
		sep = DefaultDelimiter
	}
	return Delimited{Sep: sep}
}

// Parse implements Parser.
func (d Delimited) Parse(r io.Reader) ([]model.QuestionPair, error) {
	sep := string(d.Sep)
	if d.Sep == 0 {
		sep = string(DefaultDelimiter)
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var pairs []model.QuestionPair
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if lineNo == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
		}
		fields := strings.Split(strings.TrimSpace(line), sep)
		if len(fields) != 2 {
			continue
		}
		q, a := strings.TrimSpace(fields[0]), strings.TrimSpace(fields[1])
		if q == "" || a == "" {
			continue
		}
		pairs = append(pairs, model.QuestionPair{Question: q, Answer: a})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read line %d: %w", lineNo+1, err)
	}
	if len(pairs) == 0 {
		return nil, ErrNoPairs
	}
	return pairs, nil
}
