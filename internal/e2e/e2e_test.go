package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/skillgate/skillgate/internal/clock"
	"github.com/skillgate/skillgate/internal/config"
	"github.com/skillgate/skillgate/internal/credential"
	"github.com/skillgate/skillgate/internal/exam"
	examdomain "github.com/skillgate/skillgate/internal/exam/domain"
	"github.com/skillgate/skillgate/internal/grading"
	"github.com/skillgate/skillgate/internal/invitation"
	invitationdomain "github.com/skillgate/skillgate/internal/invitation/domain"
	"github.com/skillgate/skillgate/internal/monitor"
	"github.com/skillgate/skillgate/internal/notification"
	"github.com/skillgate/skillgate/internal/observability"
	"github.com/skillgate/skillgate/internal/result"
	resultdomain "github.com/skillgate/skillgate/internal/result/domain"
	"github.com/skillgate/skillgate/internal/scheduler"
	"github.com/skillgate/skillgate/internal/server"
	"github.com/skillgate/skillgate/internal/session"
	sessiondomain "github.com/skillgate/skillgate/internal/session/domain"
	"github.com/skillgate/skillgate/internal/shortlist"
	"github.com/skillgate/skillgate/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type testEnv struct {
	app       *fx.App
	server    *server.Server
	db        *gorm.DB
	genID     *snowflake.Node
	scheduler *scheduler.Scheduler
	baseURL   string
	httpSrv   *httptest.Server
}

var env *testEnv

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	setDefaultEnv()

	var err error
	env, err = startEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to start test environment:", err)
		os.Exit(1)
	}

	code := m.Run()
	env.shutdown()
	os.Exit(code)
}

func startEnv() (*testEnv, error) {
	var (
		srv    *server.Server
		dbConn *gorm.DB
		genID  *snowflake.Node
		sched  *scheduler.Scheduler
	)

	app := fx.New(
		config.Module,
		observability.Module,
		db.Module,
		clock.Module,
		exam.Module,
		result.Module,
		notification.Module,
		monitor.Module,
		session.Module,
		invitation.Module,
		credential.Module,
		shortlist.Module,
		fx.Provide(func() *snowflake.Node {
			node, err := snowflake.NewNode(1)
			if err != nil {
				panic(err)
			}
			return node
		}),
		fx.Provide(server.NewEngine),
		fx.Provide(server.NewServer),
		fx.Provide(scheduler.New),
		fx.Invoke(func(gdb *gorm.DB) error {
			return gdb.AutoMigrate(
				&examdomain.Exam{},
				&examdomain.Question{},
				&invitationdomain.Invitation{},
				&sessiondomain.Session{},
				&sessiondomain.Violation{},
				&resultdomain.Result{},
			)
		}),
		fx.Populate(&srv, &dbConn, &genID, &sched),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return nil, err
	}

	httpSrv := httptest.NewServer(srv.Engine())

	return &testEnv{
		app:       app,
		server:    srv,
		db:        dbConn,
		genID:     genID,
		scheduler: sched,
		baseURL:   httpSrv.URL,
		httpSrv:   httpSrv,
	}, nil
}

func (e *testEnv) shutdown() {
	if e == nil {
		return
	}
	if e.httpSrv != nil {
		e.httpSrv.Close()
	}
	if e.app != nil {
		_ = e.app.Stop(context.Background())
	}
}

func setDefaultEnv() {
	setEnvIfEmpty("ENVIRONMENT", "test")
	setEnvIfEmpty("LOG_LEVEL", "error")
	setEnvIfEmpty("DATABASE_TYPE", "sqlite")
	setEnvIfEmpty("DATABASE_NAME", "file:skillgate_e2e?mode=memory&cache=shared")
}

func setEnvIfEmpty(key, value string) {
	if strings.TrimSpace(os.Getenv(key)) != "" {
		return
	}
	_ = os.Setenv(key, value)
}

func resetDatabase(t *testing.T, dbConn *gorm.DB) {
	t.Helper()
	for _, table := range []string{
		"results", "session_violations", "sessions", "invitations", "questions", "exams",
	} {
		if err := dbConn.Exec("DELETE FROM " + table).Error; err != nil {
			t.Fatalf("clear table %s: %v", table, err)
		}
	}
}

func doJSON(t *testing.T, method, reqURL string, payload any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, reqURL, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, reqURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, raw
}

type seededExam struct {
	exam      *examdomain.Exam
	questions []examdomain.Question
}

func seedExam(t *testing.T, mutate func(*examdomain.Exam)) seededExam {
	t.Helper()
	now := time.Now().UTC()
	ex := &examdomain.Exam{
		ID:              env.genID.Generate(),
		OrgID:           env.genID.Generate(),
		Title:           "Backend Screening",
		DurationMinutes: 60,
		TotalMarks:      10,
		PassingMarks:    4,
		AccessMode:      examdomain.AccessInvitation,
		ShowResults:     true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if mutate != nil {
		mutate(ex)
	}
	if err := env.db.Create(ex).Error; err != nil {
		t.Fatalf("seed exam: %v", err)
	}

	questions := []examdomain.Question{
		{
			ID:     env.genID.Generate(),
			ExamID: ex.ID,
			Type:   grading.MultipleChoice,
			Text:   "Pick the concurrency primitive",
			Marks:  4,
			Options: []examdomain.Option{
				{ID: "a", Text: "goroutine", Correct: true},
				{ID: "b", Text: "thread"},
			},
			Section:   "coding",
			Position:  1,
			CreatedAt: now,
		},
		{
			ID:            env.genID.Generate(),
			ExamID:        ex.ID,
			Type:          grading.ShortAnswer,
			Text:          "Name the zero value of a pointer",
			Marks:         6,
			CorrectAnswer: "nil",
			Section:       "coding",
			Position:      2,
			CreatedAt:     now,
		},
	}
	for i := range questions {
		if err := env.db.Create(&questions[i]).Error; err != nil {
			t.Fatalf("seed question: %v", err)
		}
	}
	return seededExam{exam: ex, questions: questions}
}

type sendResponse struct {
	Sent    int `json:"sent"`
	Results []struct {
		Email        string        `json:"email"`
		Success      bool          `json:"success"`
		InvitationID *snowflake.ID `json:"invitation_id"`
		Token        string        `json:"token"`
		Error        string        `json:"error"`
	} `json:"results"`
}

func sendInvitation(t *testing.T, fixture seededExam, email string) (snowflake.ID, string) {
	t.Helper()
	reqURL := fmt.Sprintf("%s/api/v1/exams/%s/invitations", env.baseURL, fixture.exam.ID)
	resp, body := doJSON(t, http.MethodPost, reqURL, map[string]any{
		"recipients": []map[string]string{{"name": "Dewi", "email": email}},
	}, map[string]string{"X-Org-ID": fixture.exam.OrgID.String()})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send invitations: %d: %s", resp.StatusCode, string(body))
	}

	var parsed sendResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("decode send response: %v", err)
	}
	if parsed.Sent != 1 || len(parsed.Results) != 1 || !parsed.Results[0].Success {
		t.Fatalf("expected one successful invitation, got %s", string(body))
	}
	return *parsed.Results[0].InvitationID, parsed.Results[0].Token
}

type startResponse struct {
	Credential string       `json:"credential"`
	SessionID  snowflake.ID `json:"sessionId"`
	Exam       struct {
		Questions []struct {
			ID      snowflake.ID `json:"id"`
			Options []struct {
				ID      string `json:"id"`
				Correct bool   `json:"correct"`
			} `json:"options"`
			CorrectAnswer string `json:"correct_answer"`
		} `json:"questions"`
	} `json:"exam"`
}

func TestE2E_HealthCheck(t *testing.T) {
	resp, err := http.Get(env.baseURL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestE2E_GuestExamFlow(t *testing.T) {
	resetDatabase(t, env.db)
	fixture := seedExam(t, nil)
	_, token := sendInvitation(t, fixture, "dewi@example.com")

	accessURL := fmt.Sprintf("%s/api/v1/guest/invitations/%s", env.baseURL, token)
	resp, body := doJSON(t, http.MethodGet, accessURL, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("access invitation: %d: %s", resp.StatusCode, string(body))
	}
	access := struct {
		Valid    bool   `json:"valid"`
		CanStart bool   `json:"canStart"`
		Status   string `json:"status"`
	}{}
	if err := json.Unmarshal(body, &access); err != nil {
		t.Fatalf("decode access response: %v", err)
	}
	if !access.Valid || !access.CanStart || access.Status != "ACCESSED" {
		t.Fatalf("unexpected access response: %s", string(body))
	}

	resp, body = doJSON(t, http.MethodPost, accessURL+"/start", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start invitation: %d: %s", resp.StatusCode, string(body))
	}
	var started startResponse
	if err := json.Unmarshal(body, &started); err != nil {
		t.Fatalf("decode start response: %v", err)
	}
	if started.Credential == "" || started.SessionID == 0 {
		t.Fatalf("missing credential or session id: %s", string(body))
	}
	if len(started.Exam.Questions) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(started.Exam.Questions))
	}
	for _, q := range started.Exam.Questions {
		if q.CorrectAnswer != "" {
			t.Fatalf("correct answer leaked to guest")
		}
		for _, opt := range q.Options {
			if opt.Correct {
				t.Fatalf("correct option flag leaked to guest")
			}
		}
	}

	authHeader := map[string]string{"Authorization": "Bearer " + started.Credential}
	sessionURL := fmt.Sprintf("%s/api/v1/guest/sessions/%s", env.baseURL, started.SessionID)

	resp, body = doJSON(t, http.MethodPut, sessionURL+"/answers", map[string]any{
		"question_id": fixture.questions[0].ID.String(),
		"answer":      "a",
	}, authHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("record answer: %d: %s", resp.StatusCode, string(body))
	}

	// No credential, no session access.
	resp, body = doJSON(t, http.MethodPut, sessionURL+"/answers", map[string]any{
		"question_id": fixture.questions[0].ID.String(),
		"answer":      "a",
	}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credential, got %d: %s", resp.StatusCode, string(body))
	}

	resp, body = doJSON(t, http.MethodPost, sessionURL+"/violations", map[string]any{
		"kind": "tab_switch",
	}, authHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("report violation: %d: %s", resp.StatusCode, string(body))
	}
	violation := struct {
		WarningCount int `json:"warningCount"`
	}{}
	if err := json.Unmarshal(body, &violation); err != nil {
		t.Fatalf("decode violation response: %v", err)
	}
	if violation.WarningCount != 1 {
		t.Fatalf("expected warning count 1, got %d", violation.WarningCount)
	}

	resp, body = doJSON(t, http.MethodPost, sessionURL+"/submit", map[string]any{
		"answers": map[string]any{
			fixture.questions[1].ID.String(): "nil",
		},
	}, authHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit session: %d: %s", resp.StatusCode, string(body))
	}
	submitted := struct {
		Success bool `json:"success"`
		Score   *struct {
			TotalScore float64 `json:"total_score"`
			Percentage float64 `json:"percentage"`
			Passed     bool    `json:"passed"`
		} `json:"score"`
	}{}
	if err := json.Unmarshal(body, &submitted); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if !submitted.Success || submitted.Score == nil {
		t.Fatalf("expected visible score: %s", string(body))
	}
	if submitted.Score.TotalScore != 10 || !submitted.Score.Passed {
		t.Fatalf("unexpected score: %+v", *submitted.Score)
	}

	// The burned token reports itself on the next access.
	resp, body = doJSON(t, http.MethodGet, accessURL, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("access after submit: %d: %s", resp.StatusCode, string(body))
	}
	after := struct {
		CanStart bool   `json:"canStart"`
		Message  string `json:"message"`
	}{}
	if err := json.Unmarshal(body, &after); err != nil {
		t.Fatalf("decode access response: %v", err)
	}
	if after.CanStart || after.Message != "This invitation has already been used." {
		t.Fatalf("unexpected post-submit access: %s", string(body))
	}

	// The credential dies with the submission.
	resp, body = doJSON(t, http.MethodPut, sessionURL+"/answers", map[string]any{
		"question_id": fixture.questions[0].ID.String(),
		"answer":      "b",
	}, authHeader)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 after submit, got %d: %s", resp.StatusCode, string(body))
	}
}

func TestE2E_RevokeInvitation(t *testing.T) {
	resetDatabase(t, env.db)
	fixture := seedExam(t, nil)
	invitationID, token := sendInvitation(t, fixture, "dewi@example.com")

	revokeURL := fmt.Sprintf("%s/api/v1/invitations/%s", env.baseURL, invitationID)

	// Tenancy header is mandatory on operator routes.
	resp, body := doJSON(t, http.MethodDelete, revokeURL, nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without org header, got %d: %s", resp.StatusCode, string(body))
	}

	resp, body = doJSON(t, http.MethodDelete, revokeURL, nil, map[string]string{
		"X-Org-ID": fixture.exam.OrgID.String(),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke invitation: %d: %s", resp.StatusCode, string(body))
	}

	accessURL := fmt.Sprintf("%s/api/v1/guest/invitations/%s", env.baseURL, token)
	resp, body = doJSON(t, http.MethodGet, accessURL, nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for revoked invitation, got %d: %s", resp.StatusCode, string(body))
	}
	errResp := struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}{}
	if err := json.Unmarshal(body, &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Error.Type != "invitation_revoked" {
		t.Fatalf("expected invitation_revoked, got %s", errResp.Error.Type)
	}
}

func TestE2E_ShortlistAndLiveSnapshot(t *testing.T) {
	resetDatabase(t, env.db)
	fixture := seedExam(t, nil)
	invitationID, token := sendInvitation(t, fixture, "dewi@example.com")

	accessURL := fmt.Sprintf("%s/api/v1/guest/invitations/%s", env.baseURL, token)
	resp, body := doJSON(t, http.MethodGet, accessURL, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("access: %d: %s", resp.StatusCode, string(body))
	}
	resp, body = doJSON(t, http.MethodPost, accessURL+"/start", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: %d: %s", resp.StatusCode, string(body))
	}
	var started startResponse
	if err := json.Unmarshal(body, &started); err != nil {
		t.Fatalf("decode start response: %v", err)
	}

	orgHeader := map[string]string{"X-Org-ID": fixture.exam.OrgID.String()}

	liveURL := fmt.Sprintf("%s/api/v1/exams/%s/live", env.baseURL, fixture.exam.ID)
	resp, body = doJSON(t, http.MethodGet, liveURL, nil, orgHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("live snapshot: %d: %s", resp.StatusCode, string(body))
	}
	snap := struct {
		Participation struct {
			Invited    int64 `json:"invited"`
			InProgress int64 `json:"in_progress"`
		} `json:"participation"`
	}{}
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Participation.Invited != 1 || snap.Participation.InProgress != 1 {
		t.Fatalf("unexpected participation: %s", string(body))
	}

	authHeader := map[string]string{"Authorization": "Bearer " + started.Credential}
	sessionURL := fmt.Sprintf("%s/api/v1/guest/sessions/%s", env.baseURL, started.SessionID)
	resp, body = doJSON(t, http.MethodPost, sessionURL+"/submit", map[string]any{
		"answers": map[string]any{
			fixture.questions[0].ID.String(): "a",
			fixture.questions[1].ID.String(): "nil",
		},
	}, authHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d: %s", resp.StatusCode, string(body))
	}

	shortlistURL := fmt.Sprintf("%s/api/v1/exams/%s/shortlist", env.baseURL, fixture.exam.ID)
	resp, body = doJSON(t, http.MethodPost, shortlistURL, map[string]any{
		"invitationIds": []string{invitationID.String()},
		"action":        "evaluate",
		"criteria":      map[string]any{"min_percentage": 70},
	}, orgHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("shortlist: %d: %s", resp.StatusCode, string(body))
	}
	applied := struct {
		Updated int `json:"updated"`
	}{}
	if err := json.Unmarshal(body, &applied); err != nil {
		t.Fatalf("decode shortlist response: %v", err)
	}
	if applied.Updated != 1 {
		t.Fatalf("expected 1 updated result, got %d", applied.Updated)
	}

	accepted := struct {
		Accepted  *bool  `gorm:"column:shortlist_accepted"`
		Rationale string `gorm:"column:shortlist_rationale"`
	}{}
	if err := env.db.Raw(
		`SELECT shortlist_accepted, shortlist_rationale FROM results WHERE invitation_id = ?`,
		invitationID,
	).Scan(&accepted).Error; err != nil {
		t.Fatalf("query shortlist decision: %v", err)
	}
	if accepted.Accepted == nil || !*accepted.Accepted {
		t.Fatalf("expected accepted decision, got %+v", accepted)
	}
}

func TestE2E_SchedulerAutoSubmitsOverdueSession(t *testing.T) {
	resetDatabase(t, env.db)
	fixture := seedExam(t, nil)
	invitationID, token := sendInvitation(t, fixture, "dewi@example.com")

	accessURL := fmt.Sprintf("%s/api/v1/guest/invitations/%s", env.baseURL, token)
	if resp, body := doJSON(t, http.MethodGet, accessURL, nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("access: %d: %s", resp.StatusCode, string(body))
	}
	resp, body := doJSON(t, http.MethodPost, accessURL+"/start", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: %d: %s", resp.StatusCode, string(body))
	}
	var started startResponse
	if err := json.Unmarshal(body, &started); err != nil {
		t.Fatalf("decode start response: %v", err)
	}

	authHeader := map[string]string{"Authorization": "Bearer " + started.Credential}
	sessionURL := fmt.Sprintf("%s/api/v1/guest/sessions/%s", env.baseURL, started.SessionID)
	resp, body = doJSON(t, http.MethodPut, sessionURL+"/answers", map[string]any{
		"question_id": fixture.questions[0].ID.String(),
		"answer":      "a",
	}, authHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("record answer: %d: %s", resp.StatusCode, string(body))
	}

	// Fast-forward the attempt past its deadline.
	now := time.Now().UTC()
	if err := env.db.Exec(
		`UPDATE sessions SET started_at = ?, ends_at = ? WHERE id = ?`,
		now.Add(-2*time.Hour), now.Add(-time.Hour), started.SessionID,
	).Error; err != nil {
		t.Fatalf("fast-forward session: %v", err)
	}

	if err := env.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("scheduler run: %v", err)
	}

	sessionRow := struct {
		Status   string        `gorm:"column:status"`
		ResultID *snowflake.ID `gorm:"column:result_id"`
	}{}
	if err := env.db.Raw(
		`SELECT status, result_id FROM sessions WHERE id = ?`, started.SessionID,
	).Scan(&sessionRow).Error; err != nil {
		t.Fatalf("query session: %v", err)
	}
	if sessionRow.Status != string(sessiondomain.StatusAutoSubmitted) || sessionRow.ResultID == nil {
		t.Fatalf("expected auto-submitted session with result, got %+v", sessionRow)
	}

	invitationRow := struct {
		Status string `gorm:"column:status"`
	}{}
	if err := env.db.Raw(
		`SELECT status FROM invitations WHERE id = ?`, invitationID,
	).Scan(&invitationRow).Error; err != nil {
		t.Fatalf("query invitation: %v", err)
	}
	if invitationRow.Status != string(invitationdomain.StatusCompleted) {
		t.Fatalf("expected completed invitation, got %s", invitationRow.Status)
	}

	// A second run finds nothing left to do.
	if err := env.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("scheduler second run: %v", err)
	}
}
