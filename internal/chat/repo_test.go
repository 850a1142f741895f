package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Session{}, &Message{}, &Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func mustCreateSession(t *testing.T, repo *Repo, userID uint64) *Session {
	t.Helper()
	s := &Session{UserID: userID, Model: "doubao"}
	if err := repo.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func TestCreateSession_AssignsIDAndDefaultTitle(t *testing.T) {
	repo := NewRepo(openTestDB(t))

	s := mustCreateSession(t, repo, 1)
	if len(s.ID) != 26 {
		t.Fatalf("expected a 26-char ulid, got %q", s.ID)
	}
	if s.Title != DefaultTitle {
		t.Fatalf("expected default title %q, got %q", DefaultTitle, s.Title)
	}
}

func TestGetSession_OwnerMismatch(t *testing.T) {
	repo := NewRepo(openTestDB(t))

	s := mustCreateSession(t, repo, 1)
	if _, err := repo.GetSession(context.Background(), 2, s.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := repo.GetSession(context.Background(), 1, s.ID); err != nil {
		t.Fatalf("owner lookup failed: %v", err)
	}
}

func TestInsertMessage_Validation(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	s := mustCreateSession(t, repo, 1)

	cases := []Message{
		{SessionID: s.ID, UserID: 1, Role: RoleUser, Content: "   "},
		{SessionID: s.ID, UserID: 1, Role: "robot", Content: "hi"},
	}
	for i, m := range cases {
		if err := repo.InsertMessage(context.Background(), &m); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("case %d: expected ErrInvalidMessage, got %v", i, err)
		}
	}

	m := Message{SessionID: s.ID, UserID: 2, Role: RoleUser, Content: "hi"}
	if err := repo.InsertMessage(context.Background(), &m); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for foreign session, got %v", err)
	}
}

func TestInsertMessage_TouchesSessionRecency(t *testing.T) {
	repo := NewRepo(openTestDB(t))

	s1 := mustCreateSession(t, repo, 1)
	s2 := mustCreateSession(t, repo, 1)

	// activity on the older session moves it to the front
	if err := repo.InsertMessage(context.Background(), &Message{
		SessionID: s1.ID, UserID: 1, Role: RoleUser, Content: "ping",
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	sessions, err := repo.ListSessions(context.Background(), 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != s1.ID {
		t.Fatalf("expected the active session first, got %s (s2=%s)", sessions[0].ID, s2.ID)
	}
}

func TestListMessages_InsertionOrder(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	s := mustCreateSession(t, repo, 1)

	for i := 0; i < 4; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		if err := repo.InsertMessage(context.Background(), &Message{
			SessionID: s.ID, UserID: 1, Role: role, Content: fmt.Sprintf("m%d", i),
		}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	msgs, err := repo.ListMessages(context.Background(), 1, s.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if want := fmt.Sprintf("m%d", i); m.Content != want {
			t.Fatalf("position %d: expected %q, got %q", i, want, m.Content)
		}
	}
}

func TestListMessagesPage_Cursor(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	s := mustCreateSession(t, repo, 1)

	for i := 0; i < 5; i++ {
		if err := repo.InsertMessage(context.Background(), &Message{
			SessionID: s.ID, UserID: 1, Role: RoleUser, Content: fmt.Sprintf("m%d", i),
		}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	page1, err := repo.ListMessagesPage(context.Background(), 1, s.ID, 2, 0)
	if err != nil {
		t.Fatalf("page1: %v", err)
	}
	if len(page1) != 2 || page1[0].Content != "m4" || page1[1].Content != "m3" {
		t.Fatalf("unexpected page1: %+v", page1)
	}

	page2, err := repo.ListMessagesPage(context.Background(), 1, s.ID, 2, page1[len(page1)-1].ID)
	if err != nil {
		t.Fatalf("page2: %v", err)
	}
	if len(page2) != 2 || page2[0].Content != "m2" || page2[1].Content != "m1" {
		t.Fatalf("unexpected page2: %+v", page2)
	}
}

func TestDeleteSession_CascadesMessages(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	s := mustCreateSession(t, repo, 1)

	for i := 0; i < 3; i++ {
		if err := repo.InsertMessage(context.Background(), &Message{
			SessionID: s.ID, UserID: 1, Role: RoleUser, Content: "x",
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	if err := repo.DeleteSession(context.Background(), 1, s.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	var count int64
	if err := db.Model(&Message{}).Where("session_id = ?", s.ID).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected messages to cascade, %d left", count)
	}
	if _, err := repo.GetSession(context.Background(), 1, s.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected the session gone, got %v", err)
	}
}

func TestDeleteSession_OwnerMismatch(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	s := mustCreateSession(t, repo, 1)

	if err := repo.DeleteSession(context.Background(), 2, s.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := repo.GetSession(context.Background(), 1, s.ID); err != nil {
		t.Fatalf("session must survive a foreign delete: %v", err)
	}
}

func TestUpdateSessionTitle(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	s := mustCreateSession(t, repo, 1)

	if err := repo.UpdateSessionTitle(context.Background(), 1, s.ID, "hello w..."); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := repo.GetSession(context.Background(), 1, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "hello w..." {
		t.Fatalf("expected updated title, got %q", got.Title)
	}

	if err := repo.UpdateSessionTitle(context.Background(), 2, s.ID, "stolen"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not-found for foreign update, got %v", err)
	}
	if err := repo.UpdateSessionTitle(context.Background(), 1, s.ID, "  "); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage for blank title, got %v", err)
	}
}

func TestInsertUserMessageOrGetExisting_Idempotent(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	s := mustCreateSession(t, repo, 1)

	key := "req-123"
	m1, created, err := repo.InsertUserMessageOrGetExisting(context.Background(), 1, s.ID, "hello", &key)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !created {
		t.Fatalf("first insert should create")
	}

	m2, created, err := repo.InsertUserMessageOrGetExisting(context.Background(), 1, s.ID, "hello", &key)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if created {
		t.Fatalf("replay must not create a second row")
	}
	if m1.ID != m2.ID {
		t.Fatalf("replay must return the original row: %d vs %d", m1.ID, m2.ID)
	}

	msgs, err := repo.ListMessages(context.Background(), 1, s.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message after replay, got %d", len(msgs))
	}
}

func TestJobLifecycle(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	s := mustCreateSession(t, repo, 1)

	j := &Job{ID: "01JOBTESTID000000000000000", UserID: 1, SessionID: s.ID, Prompt: "hi", Status: JobQueued}
	job, created, err := repo.CreateJobOrGetExisting(context.Background(), j)
	if err != nil || !created {
		t.Fatalf("create job: created=%v err=%v", created, err)
	}

	if err := repo.UpdateJobStatusRunning(context.Background(), job.ID); err != nil {
		t.Fatalf("running: %v", err)
	}
	if err := repo.MarkJobSucceeded(context.Background(), job.ID, 42); err != nil {
		t.Fatalf("succeeded: %v", err)
	}

	got, err := repo.GetJobByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != JobSucceeded {
		t.Fatalf("expected status %q, got %q", JobSucceeded, got.Status)
	}
	if got.ResultMessageID == nil || *got.ResultMessageID != 42 {
		t.Fatalf("expected result message id 42, got %v", got.ResultMessageID)
	}
}
