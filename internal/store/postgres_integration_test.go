package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"cmsworkflow/internal/rbac"
	"cmsworkflow/internal/workflow"
)

// getTestDatabaseURL returns CMSWF_TEST_DATABASE_URL or skips the test.
func getTestDatabaseURL(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("CMSWF_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("CMSWF_TEST_DATABASE_URL is not set")
	}
	return dsn
}

func openTestStore(t *testing.T) (*PostgresStore, *sql.DB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, getTestDatabaseURL(t), DefaultPoolOptions())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations"), zap.NewNop()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db), db
}

type staticVersions struct {
	draft int
	live  *int
}

func (v staticVersions) LatestDraftVersion(context.Context, string) (int, error) { return v.draft, nil }
func (v staticVersions) LatestLiveVersion(context.Context, string) (*int, error) { return v.live, nil }

type seeded struct {
	page   workflow.Page
	author workflow.Member
	pub1   workflow.Member
	pub2   workflow.Member
}

func seed(t *testing.T, ctx context.Context, s *PostgresStore) seeded {
	t.Helper()
	authors, err := s.EnsureGroup(ctx, "site-content-authors", "Content Authors", 1)
	if err != nil {
		t.Fatalf("EnsureGroup() error = %v", err)
	}
	publishers, err := s.EnsureGroup(ctx, "g1", "Publishers", 2)
	if err != nil {
		t.Fatalf("EnsureGroup() error = %v", err)
	}
	for _, group := range []workflow.Group{authors, publishers} {
		if err := s.GrantPermission(ctx, group.ID, rbac.PermissionCMSAccess); err != nil {
			t.Fatalf("GrantPermission() error = %v", err)
		}
	}

	out := seeded{
		author: workflow.Member{ID: "u", Email: "u@example.test", FirstName: "Una"},
		pub1:   workflow.Member{ID: "pub1", Email: "pub1@example.test", FirstName: "Pia"},
		pub2:   workflow.Member{ID: "pub2", Email: "pub2@example.test", FirstName: "Per"},
	}
	for _, member := range []workflow.Member{out.author, out.pub1, out.pub2} {
		if err := s.UpsertMember(ctx, member); err != nil {
			t.Fatalf("UpsertMember() error = %v", err)
		}
	}
	mustAdd := func(groupID, memberID string) {
		if err := s.AddGroupMember(ctx, groupID, memberID); err != nil {
			t.Fatalf("AddGroupMember() error = %v", err)
		}
	}
	mustAdd(authors.ID, "u")
	mustAdd(publishers.ID, "pub1")
	mustAdd(publishers.ID, "pub2")

	out.page = workflow.Page{
		ID:         "page-x",
		Title:      "X",
		URLSegment: "x",
		IsLive:     true,
		Policy: workflow.Policy{
			CanPublishType:    rbac.AccessOnlyTheseUsers,
			PublisherGroupIDs: []string{publishers.ID},
		},
	}
	if err := s.SavePage(ctx, out.page); err != nil {
		t.Fatalf("SavePage() error = %v", err)
	}
	return out
}

func TestPostgresWorkflowLifecycle(t *testing.T) {
	s, db := openTestStore(t)
	ctx := context.Background()
	data := seed(t, ctx, s)

	page, err := s.Page(ctx, data.page.ID)
	if err != nil {
		t.Fatalf("Page() error = %v", err)
	}
	if page.Policy.CanPublishType != rbac.AccessOnlyTheseUsers || len(page.Policy.PublisherGroupIDs) != 1 {
		t.Fatalf("unexpected page policy: %+v", page.Policy)
	}

	coord := workflow.NewCoordinator(workflow.Deps{
		Repository:  s,
		Versions:    staticVersions{draft: 2},
		Permissions: s,
		Groups:      s,
		Members:     s,
	})

	created, err := coord.RequestPublication(ctx, page, data.author, nil)
	if err != nil {
		t.Fatalf("RequestPublication() error = %v", err)
	}
	if got := created.Request.Publishers; len(got) != 2 || got[0] != "pub1" || got[1] != "pub2" {
		t.Fatalf("unexpected publishers: %v", got)
	}

	rows, err := s.RequestsByPublisher(ctx, workflow.KindPublication, "pub2", workflow.OpenStatuses())
	if err != nil {
		t.Fatalf("RequestsByPublisher() error = %v", err)
	}
	if len(rows) != 1 || rows[0].AuthorName != "Una" {
		t.Fatalf("unexpected publisher report: %+v", rows)
	}

	approved, err := coord.OnApprove(ctx, page, data.pub1, workflow.KindPublication)
	if err != nil {
		t.Fatalf("OnApprove() error = %v", err)
	}
	if approved.Request.Status != workflow.StatusApproved {
		t.Fatalf("status = %s, want Approved", approved.Request.Status)
	}

	history, err := s.History(ctx, created.Request.ID)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].PageLiveVersion != nil || history[1].AuthorID != "pub1" {
		t.Fatalf("unexpected history: %+v", history)
	}

	open, err := s.OpenRequest(ctx, page.ID)
	if err != nil || open != nil {
		t.Fatalf("OpenRequest() = %v, %v; want nil, nil", open, err)
	}

	_, err = db.ExecContext(ctx, `UPDATE workflow_request_changes SET status='Declined' WHERE request_id=$1`, created.Request.ID)
	assertPgCode(t, err, codeAppendOnly)

	_, err = db.ExecContext(ctx, `UPDATE workflow_requests SET status='AwaitingApproval' WHERE id=$1`, created.Request.ID)
	assertPgCode(t, err, codeRequestClosed)
}

func TestPostgresOpenRequestUniqueness(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	data := seed(t, ctx, s)

	now := time.Now().UTC()
	insert := func(id string) error {
		return s.WithPageLock(ctx, data.page.ID, func(tx workflow.Tx) error {
			return tx.InsertRequest(ctx, workflow.Request{
				ID:        id,
				PageID:    data.page.ID,
				Kind:      workflow.KindPublication,
				Status:    workflow.StatusAwaitingApproval,
				AuthorID:  data.author.ID,
				CreatedAt: now,
				UpdatedAt: now,
			})
		})
	}
	if err := insert("wfr_a"); err != nil {
		t.Fatalf("first insert error = %v", err)
	}
	if err := insert("wfr_b"); !errors.Is(err, workflow.ErrPersistenceConflict) {
		t.Fatalf("second insert error = %v, want ErrPersistenceConflict", err)
	}
}

func TestPostgresScheduledDeletions(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	data := seed(t, ctx, s)

	expiry := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Second)
	page := data.page
	page.ExpiresAt = &expiry
	if err := s.SavePage(ctx, page); err != nil {
		t.Fatalf("SavePage() error = %v", err)
	}
	linking := workflow.Page{ID: "page-y", Title: "Y", URLSegment: "y", IsLive: true, LinkedPageIDs: []string{page.ID, "page-y", "page-missing"}}
	if err := s.SavePage(ctx, linking); err != nil {
		t.Fatalf("SavePage() error = %v", err)
	}
	stored, err := s.Page(ctx, linking.ID)
	if err != nil {
		t.Fatalf("Page() error = %v", err)
	}
	if len(stored.LinkedPageIDs) != 1 || stored.LinkedPageIDs[0] != page.ID {
		t.Fatalf("LinkedPageIDs = %v, want [%s]", stored.LinkedPageIDs, page.ID)
	}

	start := time.Now().UTC()
	items, err := s.LivePagesExpiring(ctx, workflow.DateRange{Start: &start})
	if err != nil {
		t.Fatalf("LivePagesExpiring() error = %v", err)
	}
	if len(items) != 1 || items[0].PageID != page.ID || !items[0].HasBacklinks {
		t.Fatalf("unexpected scheduled deletions: %+v", items)
	}

	end := start.Add(time.Hour)
	items, err = s.LivePagesExpiring(ctx, workflow.DateRange{Start: &start, End: &end})
	if err != nil {
		t.Fatalf("LivePagesExpiring() error = %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no pages expiring within the hour, got %+v", items)
	}

	linking.LinkedPageIDs = nil
	if err := s.SavePage(ctx, linking); err != nil {
		t.Fatalf("SavePage() error = %v", err)
	}
	items, err = s.LivePagesExpiring(ctx, workflow.DateRange{Start: &start})
	if err != nil {
		t.Fatalf("LivePagesExpiring() error = %v", err)
	}
	if len(items) != 1 || items[0].HasBacklinks {
		t.Fatalf("expected backlinks cleared after resave, got %+v", items)
	}
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	_, db := openTestStore(t)
	ctx := context.Background()
	migrationsDir := filepath.Join("..", "..", "db", "migrations")

	if err := RollbackMigrations(ctx, db, migrationsDir, 0, zap.NewNop()); err != nil {
		t.Fatalf("rollback migrations: %v", err)
	}
	var remaining int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&remaining); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected every migration rolled back, %d remain", remaining)
	}
	if err := ApplyMigrations(ctx, db, migrationsDir, zap.NewNop()); err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}
}

func assertPgCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected statement to be blocked with %s", code)
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected *pgconn.PgError, got %T: %v", err, err)
	}
	if pgErr.Code != code {
		t.Fatalf("pg error code = %s, want %s", pgErr.Code, code)
	}
}
