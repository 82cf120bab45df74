package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/examhall/internal/grading"
	appI18n "github.com/pavelanni/examhall/internal/i18n"
	"github.com/pavelanni/examhall/internal/importer"
	"github.com/pavelanni/examhall/internal/model"
)

type papersView struct {
	Papers    []model.Paper `json:"papers"`
	Flash     string        `json:"flash,omitempty"`
	CSRFToken string        `json:"csrf_token"`
}

func (h *Handler) listPapers(w http.ResponseWriter, r *http.Request, withFlash bool) {
	papers, err := h.store.ListPapers(r.Context())
	if err != nil {
		h.serverError(w, r, "failed to list papers", err)
		return
	}
	if papers == nil {
		papers = []model.Paper{}
	}
	view := papersView{Papers: papers, CSRFToken: model.CSRFTokenFromContext(r.Context())}
	if withFlash {
		if view.Flash, err = h.sessions.PopFlash(w, r); err != nil {
			h.serverError(w, r, "failed to read flash", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handlePapersPage(w http.ResponseWriter, r *http.Request) {
	h.listPapers(w, r, true)
}

func (h *Handler) handleAvailablePapers(w http.ResponseWriter, r *http.Request) {
	h.listPapers(w, r, false)
}

type paperForm struct {
	Name             string `validate:"required,max=200"`
	TotalMarks       int    `validate:"min=0"`
	MarksPerQuestion int    `validate:"required,min=1"`
}

func (h *Handler) handleAddPaper(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		h.formError(w, r, err)
		return
	}

	file, header, err := r.FormFile("questionFile")
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, "NoFileUploaded")
		return
	}
	defer file.Close()

	form := paperForm{Name: strings.TrimSpace(r.PostFormValue("name"))}
	var convErr error
	if form.TotalMarks, err = formInt(r, "total_marks"); err != nil {
		convErr = err
	}
	if form.MarksPerQuestion, err = formInt(r, "marks_per_question"); err != nil {
		convErr = err
	}
	if convErr != nil {
		slog.Warn("invalid paper form", "error", convErr)
		h.fail(w, r, http.StatusBadRequest, "InvalidForm")
		return
	}
	if err := h.validate.Struct(form); err != nil {
		h.validationError(w, r, err)
		return
	}

	pairs, err := h.parser.Parse(file)
	if err != nil {
		if errors.Is(err, importer.ErrNoPairs) {
			h.fail(w, r, http.StatusBadRequest, "NoQuestionsInFile")
			return
		}
		slog.Warn("unreadable question file", "filename", header.Filename, "error", err)
		h.fail(w, r, http.StatusBadRequest, "InvalidForm")
		return
	}

	paper, err := h.store.CreatePaper(r.Context(), model.Paper{
		Name:             form.Name,
		TotalMarks:       form.TotalMarks,
		MarksPerQuestion: form.MarksPerQuestion,
	}, pairs)
	if err != nil {
		h.serverError(w, r, "failed to create paper", err)
		return
	}
	slog.Info("imported paper via upload", "paper_id", paper.ID, "filename", header.Filename, "questions", len(pairs))

	if err := h.sessions.Flash(w, r, appI18n.Tp(r.Context(), "QuestionsImported", len(pairs))); err != nil {
		slog.Warn("failed to set flash", "error", err)
	}
	http.Redirect(w, r, h.path("/add-paper"), http.StatusSeeOther)
}

// formInt reads an optional integer field; blank means zero.
func formInt(r *http.Request, key string) (int, error) {
	v := strings.TrimSpace(r.PostFormValue(key))
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func paperIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "paperId"), 10, 64)
	return id, err == nil && id > 0
}

type questionsView struct {
	StudentID string           `json:"student_id"`
	Paper     model.Paper      `json:"paper"`
	Questions []model.Question `json:"questions"`
	CSRFToken string           `json:"csrf_token"`
}

func (h *Handler) handleQuestions(w http.ResponseWriter, r *http.Request) {
	paperID, ok := paperIDParam(r)
	if !ok {
		h.fail(w, r, http.StatusNotFound, "PaperNotFound")
		return
	}
	paper, err := h.store.GetPaper(r.Context(), paperID)
	if err != nil {
		h.storeError(w, r, "failed to get paper", err)
		return
	}
	questions, err := h.store.ListQuestions(r.Context(), paperID)
	if err != nil {
		h.serverError(w, r, "failed to list questions", err)
		return
	}
	if len(questions) == 0 {
		h.fail(w, r, http.StatusNotFound, "NoQuestionsFound")
		return
	}
	writeJSON(w, http.StatusOK, questionsView{
		StudentID: chi.URLParam(r, "studentId"),
		Paper:     paper,
		Questions: questions,
		CSRFToken: model.CSRFTokenFromContext(r.Context()),
	})
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	who, _ := model.SessionFromContext(r.Context()).Principal()
	if who.RollNumber == "" {
		h.fail(w, r, http.StatusBadRequest, "RollNumberRequired")
		return
	}
	paperID, ok := paperIDParam(r)
	if !ok {
		h.fail(w, r, http.StatusNotFound, "PaperNotFound")
		return
	}
	if err := parseForm(r); err != nil {
		h.formError(w, r, err)
		return
	}

	sub := grading.SubmissionFromForm(paperID, who.RollNumber, r.PostForm)
	if _, _, err := h.engine.Submit(r.Context(), sub); err != nil {
		h.storeError(w, r, "failed to record result", err)
		return
	}
	http.Redirect(w, r, h.path("/result/"+url.PathEscape(who.RollNumber)), http.StatusSeeOther)
}

type studentResultsView struct {
	RollNumber string                `json:"roll_number"`
	Results    []model.StudentResult `json:"results"`
}

func (h *Handler) handleStudentResults(w http.ResponseWriter, r *http.Request) {
	roll := chi.URLParam(r, "rollNumber")
	student, err := h.store.GetUserByRollNumber(r.Context(), roll)
	if err != nil {
		h.serverError(w, r, "failed to get student", err)
		return
	}
	if student == nil {
		h.fail(w, r, http.StatusNotFound, "StudentNotFound")
		return
	}
	results, err := h.store.ListResultsByRoll(r.Context(), roll)
	if err != nil {
		h.serverError(w, r, "failed to list results", err)
		return
	}
	if len(results) == 0 {
		h.fail(w, r, http.StatusNotFound, "NoResultsFound")
		return
	}
	writeJSON(w, http.StatusOK, studentResultsView{RollNumber: roll, Results: results})
}

type allResultsView struct {
	Results []model.ResultRow `json:"results"`
}

func (h *Handler) handleAllResults(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.ListAllResults(r.Context())
	if err != nil {
		h.serverError(w, r, "failed to list results", err)
		return
	}
	if rows == nil {
		rows = []model.ResultRow{}
	}
	writeJSON(w, http.StatusOK, allResultsView{Results: rows})
}
