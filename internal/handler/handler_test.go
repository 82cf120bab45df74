package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/examhall/internal/i18n"
	"github.com/pavelanni/examhall/internal/model"
	"github.com/pavelanni/examhall/internal/session"
	"github.com/pavelanni/examhall/internal/store"
)

const testPassword = "correct-horse"

func newTestServer(t *testing.T) (*store.Store, *httptest.Server) {
	t.Helper()
	if err := appI18n.Init("en"); err != nil {
		t.Fatalf("init i18n: %v", err)
	}
	st, err := store.New(":memory:", false)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sm, err := session.NewManager(st, "test-secret", session.Options{})
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	h, err := New(st, sm, model.ServerConfig{BcryptCost: bcrypt.MinCost})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	r := chi.NewRouter()
	r.Use(appI18n.Middleware("en"))
	r.Use(h.BasePathMiddleware)
	h.Routes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return st, srv
}

type testClient struct {
	t   *testing.T
	srv *httptest.Server
	c   *http.Client
}

func newClient(t *testing.T, srv *httptest.Server) *testClient {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &testClient{t: t, srv: srv, c: &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

func (c *testClient) csrf() string {
	u, _ := url.Parse(c.srv.URL)
	for _, ck := range c.c.Jar.Cookies(u) {
		if ck.Name == csrfCookieName {
			return ck.Value
		}
	}
	c.get("/signup")
	for _, ck := range c.c.Jar.Cookies(u) {
		if ck.Name == csrfCookieName {
			return ck.Value
		}
	}
	c.t.Fatal("no csrf cookie issued")
	return ""
}

func (c *testClient) do(req *http.Request) (*http.Response, string) {
	c.t.Helper()
	resp, err := c.c.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func (c *testClient) get(path string) (*http.Response, string) {
	c.t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.srv.URL+path, nil)
	if err != nil {
		c.t.Fatal(err)
	}
	return c.do(req)
}

func (c *testClient) postForm(path string, vals url.Values) (*http.Response, string) {
	c.t.Helper()
	if vals == nil {
		vals = url.Values{}
	}
	if vals.Get(csrfFieldName) == "" {
		vals.Set(csrfFieldName, c.csrf())
	}
	req, err := http.NewRequest(http.MethodPost, c.srv.URL+path, strings.NewReader(vals.Encode()))
	if err != nil {
		c.t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *testClient) upload(path string, fields map[string]string, file string) (*http.Response, string) {
	c.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField(csrfFieldName, c.csrf())
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	if file != "" {
		fw, err := mw.CreateFormFile("questionFile", "paper.txt")
		if err != nil {
			c.t.Fatal(err)
		}
		_, _ = fw.Write([]byte(file))
	}
	if err := mw.Close(); err != nil {
		c.t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, c.srv.URL+path, &buf)
	if err != nil {
		c.t.Fatal(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req)
}

func (c *testClient) signup(name, email string, role model.Role, roll string) {
	c.t.Helper()
	resp, body := c.postForm("/signup", url.Values{
		"name":        {name},
		"email":       {email},
		"password":    {testPassword},
		"role":        {string(role)},
		"roll_number": {roll},
	})
	if resp.StatusCode != http.StatusSeeOther {
		c.t.Fatalf("signup %s: status %d, body %s", email, resp.StatusCode, body)
	}
}

func (c *testClient) signin(email, password string) *http.Response {
	c.t.Helper()
	resp, _ := c.postForm("/signin", url.Values{"email": {email}, "password": {password}})
	return resp
}

func wantStatus(t *testing.T, resp *http.Response, body string, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d; body %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

func decode[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
	return v
}

func TestExamFlow(t *testing.T) {
	st, srv := newTestServer(t)

	teacher := newClient(t, srv)
	teacher.signup("Teacher", "teacher@example.com", model.RoleTeacher, "")
	if resp := teacher.signin("teacher@example.com", testPassword); resp.Header.Get("Location") != "/home" {
		t.Fatalf("teacher sign-in redirected to %q", resp.Header.Get("Location"))
	}

	resp, body := teacher.upload("/add-paper", map[string]string{
		"name":               "Arithmetic",
		"marks_per_question": "5",
	}, "2+2|4\n3+3|6\nbadline\n")
	wantStatus(t, resp, body, http.StatusSeeOther)
	if loc := resp.Header.Get("Location"); loc != "/add-paper" {
		t.Errorf("upload redirected to %q", loc)
	}

	resp, body = teacher.get("/add-paper")
	wantStatus(t, resp, body, http.StatusOK)
	pv := decode[papersView](t, body)
	if len(pv.Papers) != 1 || pv.Papers[0].TotalMarks != 10 {
		t.Fatalf("papers = %+v", pv.Papers)
	}
	if pv.Flash != "Imported 2 questions." {
		t.Errorf("flash = %q", pv.Flash)
	}
	paperID := strconv.FormatInt(pv.Papers[0].ID, 10)

	student := newClient(t, srv)
	student.signup("Student", "student@example.com", model.RoleStudent, "R1")
	student.signin("student@example.com", testPassword)

	resp, body = student.get("/evaluate")
	wantStatus(t, resp, body, http.StatusOK)
	if got := decode[papersView](t, body); len(got.Papers) != 1 {
		t.Fatalf("available papers = %+v", got.Papers)
	}

	resp, body = student.get("/evaluate/R1/" + paperID)
	wantStatus(t, resp, body, http.StatusOK)
	qv := decode[questionsView](t, body)
	if len(qv.Questions) != 2 || qv.Questions[0].Question != "2+2" || qv.Questions[1].Question != "3+3" {
		t.Fatalf("questions = %+v", qv.Questions)
	}
	if strings.Contains(body, `"answer"`) {
		t.Error("question listing must not expose answers")
	}

	resp, body = student.postForm("/evaluate/"+paperID, url.Values{"marks_0": {"4"}, "marks_1": {"7"}})
	wantStatus(t, resp, body, http.StatusSeeOther)
	if loc := resp.Header.Get("Location"); loc != "/result/R1" {
		t.Errorf("submit redirected to %q", loc)
	}

	resp, body = student.get("/result/R1")
	wantStatus(t, resp, body, http.StatusOK)
	rv := decode[studentResultsView](t, body)
	if len(rv.Results) != 1 || rv.Results[0].Marks != 5 {
		t.Fatalf("results = %+v", rv.Results)
	}

	// Resubmitting overwrites the single result row.
	resp, body = student.postForm("/evaluate/"+paperID, url.Values{"marks_0": {" 4 "}, "marks_1": {"6"}})
	wantStatus(t, resp, body, http.StatusSeeOther)

	resp, body = teacher.get("/results")
	wantStatus(t, resp, body, http.StatusOK)
	all := decode[allResultsView](t, body)
	if len(all.Results) != 1 {
		t.Fatalf("expected one result row, got %+v", all.Results)
	}
	if r := all.Results[0]; r.Marks != 10 || r.StudentName != "Student" || r.PaperName != "Arithmetic" {
		t.Errorf("result row = %+v", r)
	}

	res, err := st.GetResult(context.Background(), "R1", pv.Papers[0].ID)
	if err != nil || res.Marks != 10 {
		t.Errorf("stored result = %+v, %v", res, err)
	}

	resp, body = student.get("/home")
	wantStatus(t, resp, body, http.StatusOK)
	home := decode[homeView](t, body)
	if home.Role != model.RoleStudent || home.Greeting != "Welcome, Student!" || len(home.Results) != 1 {
		t.Errorf("home = %+v", home)
	}
}

func TestStudentOnTeacherRouteIsForbidden(t *testing.T) {
	st, srv := newTestServer(t)
	student := newClient(t, srv)
	student.signup("Student", "student@example.com", model.RoleStudent, "R1")
	student.signin("student@example.com", testPassword)

	resp, body := student.upload("/add-paper", map[string]string{
		"name":               "Sneaky",
		"marks_per_question": "1",
	}, "a|b\n")
	wantStatus(t, resp, body, http.StatusForbidden)

	resp, body = student.get("/add-paper")
	wantStatus(t, resp, body, http.StatusForbidden)

	papers, err := st.ListPapers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(papers) != 0 {
		t.Errorf("forbidden request created papers: %+v", papers)
	}
}

func TestTeacherOnStudentRouteIsForbidden(t *testing.T) {
	_, srv := newTestServer(t)
	teacher := newClient(t, srv)
	teacher.signup("Teacher", "teacher@example.com", model.RoleTeacher, "")
	teacher.signin("teacher@example.com", testPassword)

	resp, body := teacher.postForm("/evaluate/1", url.Values{"marks_0": {"x"}})
	wantStatus(t, resp, body, http.StatusForbidden)
}

func TestAnonymousIsUnauthorized(t *testing.T) {
	st, srv := newTestServer(t)
	ctx := context.Background()
	paper, err := st.CreatePaper(ctx, model.Paper{Name: "P", MarksPerQuestion: 1},
		[]model.QuestionPair{{Question: "q", Answer: "a"}})
	if err != nil {
		t.Fatal(err)
	}
	id := strconv.FormatInt(paper.ID, 10)

	anon := newClient(t, srv)
	for _, path := range []string{"/home", "/logout", "/add-paper", "/evaluate", "/evaluate/R1/" + id, "/result/R1", "/results"} {
		t.Run("GET "+path, func(t *testing.T) {
			resp, body := anon.get(path)
			wantStatus(t, resp, body, http.StatusUnauthorized)
		})
	}

	t.Run("POST /add-paper", func(t *testing.T) {
		resp, body := anon.upload("/add-paper", map[string]string{"name": "X", "marks_per_question": "1"}, "a|b\n")
		wantStatus(t, resp, body, http.StatusUnauthorized)
	})
	t.Run("POST /evaluate", func(t *testing.T) {
		resp, body := anon.postForm("/evaluate/"+id, url.Values{"marks_0": {"a"}})
		wantStatus(t, resp, body, http.StatusUnauthorized)
	})

	papers, _ := st.ListPapers(ctx)
	rows, _ := st.ListAllResults(ctx)
	if len(papers) != 1 || len(rows) != 0 {
		t.Errorf("anonymous requests mutated state: papers=%d results=%d", len(papers), len(rows))
	}
}

func TestWrongPasswordLeavesSessionAnonymous(t *testing.T) {
	_, srv := newTestServer(t)
	c := newClient(t, srv)
	c.signup("Student", "student@example.com", model.RoleStudent, "R1")
	// Drain the sign-up flash.
	c.get("/signin")

	for _, email := range []string{"student@example.com", "nobody@example.com"} {
		resp := c.signin(email, "wrong-password")
		if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/signin" {
			t.Fatalf("sign-in as %s: status %d location %q", email, resp.StatusCode, resp.Header.Get("Location"))
		}

		resp, body := c.get("/signin")
		wantStatus(t, resp, body, http.StatusOK)
		if got := decode[formPage](t, body).Flash; got != "Invalid email or password." {
			t.Errorf("flash = %q", got)
		}
		_, body = c.get("/signin")
		if got := decode[formPage](t, body).Flash; got != "" {
			t.Errorf("flash should be single-read, got %q", got)
		}

		resp, body = c.get("/home")
		wantStatus(t, resp, body, http.StatusUnauthorized)
		resp, body = c.get("/evaluate")
		wantStatus(t, resp, body, http.StatusUnauthorized)
	}
}

func TestSignupValidation(t *testing.T) {
	_, srv := newTestServer(t)
	c := newClient(t, srv)
	c.signup("Student", "student@example.com", model.RoleStudent, "R1")

	tests := []struct {
		name   string
		form   url.Values
		status int
		msg    string
	}{
		{
			name:   "student without roll number",
			form:   url.Values{"name": {"A"}, "email": {"a@example.com"}, "password": {testPassword}, "role": {"student"}},
			status: http.StatusBadRequest,
			msg:    "Students must provide a roll number.",
		},
		{
			name:   "bad email",
			form:   url.Values{"name": {"A"}, "email": {"not-an-email"}, "password": {testPassword}, "role": {"teacher"}},
			status: http.StatusBadRequest,
			msg:    "Some fields are missing or invalid.",
		},
		{
			name:   "unknown role",
			form:   url.Values{"name": {"A"}, "email": {"a@example.com"}, "password": {testPassword}, "role": {"admin"}},
			status: http.StatusBadRequest,
			msg:    "Some fields are missing or invalid.",
		},
		{
			// 40 runes but 80 bytes, past bcrypt's limit.
			name:   "multibyte password over 72 bytes",
			form:   url.Values{"name": {"A"}, "email": {"c@example.com"}, "password": {strings.Repeat("é", 40)}, "role": {"teacher"}},
			status: http.StatusBadRequest,
			msg:    "Some fields are missing or invalid.",
		},
		{
			name:   "duplicate email",
			form:   url.Values{"name": {"B"}, "email": {"STUDENT@example.com"}, "password": {testPassword}, "role": {"student"}, "roll_number": {"R2"}},
			status: http.StatusConflict,
			msg:    "That email or roll number is already registered.",
		},
		{
			name:   "duplicate roll number",
			form:   url.Values{"name": {"B"}, "email": {"b@example.com"}, "password": {testPassword}, "role": {"student"}, "roll_number": {"R1"}},
			status: http.StatusConflict,
			msg:    "That email or roll number is already registered.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := c.postForm("/signup", tt.form)
			wantStatus(t, resp, body, tt.status)
			if got := decode[errorResponse](t, body).Error; got != tt.msg {
				t.Errorf("error = %q, want %q", got, tt.msg)
			}
		})
	}
}

func TestCSRFRequired(t *testing.T) {
	_, srv := newTestServer(t)
	c := newClient(t, srv)
	c.signup("Student", "student@example.com", model.RoleStudent, "R1")

	resp, body := c.postForm("/signin", url.Values{
		"email":       {"student@example.com"},
		"password":    {testPassword},
		csrfFieldName: {"forged"},
	})
	wantStatus(t, resp, body, http.StatusForbidden)

	resp, body = c.get("/home")
	wantStatus(t, resp, body, http.StatusUnauthorized)

	// The header works as well as the form field.
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/signin",
		strings.NewReader(url.Values{"email": {"student@example.com"}, "password": {testPassword}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(csrfHeaderName, c.csrf())
	resp, body = c.do(req)
	wantStatus(t, resp, body, http.StatusSeeOther)
}

func TestLogout(t *testing.T) {
	_, srv := newTestServer(t)
	c := newClient(t, srv)
	c.signup("Teacher", "teacher@example.com", model.RoleTeacher, "")
	c.signin("teacher@example.com", testPassword)

	resp, body := c.get("/home")
	wantStatus(t, resp, body, http.StatusOK)

	resp, body = c.get("/logout")
	wantStatus(t, resp, body, http.StatusSeeOther)
	if loc := resp.Header.Get("Location"); loc != "/signin" {
		t.Errorf("logout redirected to %q", loc)
	}

	resp, body = c.get("/home")
	wantStatus(t, resp, body, http.StatusUnauthorized)
}

func TestAddPaperErrors(t *testing.T) {
	st, srv := newTestServer(t)
	c := newClient(t, srv)
	c.signup("Teacher", "teacher@example.com", model.RoleTeacher, "")
	c.signin("teacher@example.com", testPassword)

	tests := []struct {
		name   string
		fields map[string]string
		file   string
		msg    string
	}{
		{"missing file", map[string]string{"name": "P", "marks_per_question": "1"}, "", "Please choose a question file to upload."},
		{"no valid lines", map[string]string{"name": "P", "marks_per_question": "1"}, "badline\na|b|c\n", "The file contains no question|answer lines."},
		{"missing name", map[string]string{"marks_per_question": "1"}, "a|b\n", "Some fields are missing or invalid."},
		{"zero marks", map[string]string{"name": "P", "marks_per_question": "0"}, "a|b\n", "Some fields are missing or invalid."},
		{"non-numeric marks", map[string]string{"name": "P", "marks_per_question": "five"}, "a|b\n", "Some fields are missing or invalid."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := c.upload("/add-paper", tt.fields, tt.file)
			wantStatus(t, resp, body, http.StatusBadRequest)
			if got := decode[errorResponse](t, body).Error; got != tt.msg {
				t.Errorf("error = %q, want %q", got, tt.msg)
			}
		})
	}

	papers, _ := st.ListPapers(context.Background())
	if len(papers) != 0 {
		t.Errorf("rejected uploads created papers: %+v", papers)
	}
}

func TestNotFound(t *testing.T) {
	st, srv := newTestServer(t)
	c := newClient(t, srv)
	c.signup("Student", "student@example.com", model.RoleStudent, "R1")
	c.signin("student@example.com", testPassword)

	resp, body := c.get("/evaluate/R1/999")
	wantStatus(t, resp, body, http.StatusNotFound)

	resp, body = c.postForm("/evaluate/999", url.Values{"marks_0": {"a"}})
	wantStatus(t, resp, body, http.StatusNotFound)

	resp, body = c.get("/result/R1")
	wantStatus(t, resp, body, http.StatusNotFound)
	if got := decode[errorResponse](t, body).Error; got != "No results found." {
		t.Errorf("error = %q", got)
	}

	resp, body = c.get("/result/NOPE")
	wantStatus(t, resp, body, http.StatusNotFound)
	if got := decode[errorResponse](t, body).Error; got != "Student not found." {
		t.Errorf("error = %q", got)
	}

	rows, _ := st.ListAllResults(context.Background())
	if len(rows) != 0 {
		t.Errorf("unexpected results: %+v", rows)
	}
}

func TestSessionLoadFailureIsJSON(t *testing.T) {
	st, srv := newTestServer(t)
	c := newClient(t, srv)
	c.signup("Teacher", "teacher@example.com", model.RoleTeacher, "")
	c.signin("teacher@example.com", testPassword)

	st.Close()
	resp, body := c.get("/home")
	wantStatus(t, resp, body, http.StatusInternalServerError)
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
	if got := decode[errorResponse](t, body).Error; got != "Something went wrong. Please try again later." {
		t.Errorf("error = %q", got)
	}
}

func TestHealthzAndIndex(t *testing.T) {
	_, srv := newTestServer(t)
	c := newClient(t, srv)

	resp, body := c.get("/healthz")
	wantStatus(t, resp, body, http.StatusOK)
	if got := decode[map[string]string](t, body)["status"]; got != "ok" {
		t.Errorf("status = %q", got)
	}

	resp, body = c.get("/")
	wantStatus(t, resp, body, http.StatusSeeOther)
	if loc := resp.Header.Get("Location"); loc != "/signup" {
		t.Errorf("index redirected to %q", loc)
	}
}
