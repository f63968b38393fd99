package repository

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"shadegate/internal/repository/db"

	"github.com/DATA-DOG/go-sqlmock"
)

// userRepoWithMock returns a repository over sqlmock and checks the
// expectations when the test ends.
func userRepoWithMock(t *testing.T) (*UserRepository, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet sqlmock expectations: %v", err)
		}
		_ = conn.Close()
	})
	return NewUserRepository(conn), mock
}

func TestUserRepository_CreateFailures(t *testing.T) {
	cases := []struct {
		name    string
		expect  func(*sqlmock.ExpectedExec)
		wantIs  error
		wantMsg string
	}{
		{
			name: "unique violation maps to ErrUserExists",
			expect: func(e *sqlmock.ExpectedExec) {
				e.WillReturnError(errors.New("constraint failed: UNIQUE constraint failed: users.username"))
			},
			wantIs: ErrUserExists,
		},
		{
			name:    "driver error is wrapped",
			expect:  func(e *sqlmock.ExpectedExec) { e.WillReturnError(errors.New("disk I/O error")) },
			wantMsg: `insert user "installer": disk I/O error`,
		},
		{
			name: "missing insert id",
			expect: func(e *sqlmock.ExpectedExec) {
				e.WillReturnResult(sqlmock.NewErrorResult(errors.New("no rowid")))
			},
			wantMsg: "get last insert id",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := userRepoWithMock(t)
			tc.expect(mock.ExpectExec(regexp.QuoteMeta(insertUserSQL)).WithArgs("installer", "$2a$hash"))

			id, err := repo.Create(context.Background(), "installer", "$2a$hash")
			if err == nil || id != 0 {
				t.Fatalf("want error and id 0, got id=%d err=%v", id, err)
			}
			if tc.wantIs != nil && !errors.Is(err, tc.wantIs) {
				t.Fatalf("err=%v, want %v", err, tc.wantIs)
			}
			if tc.wantMsg != "" && !strings.Contains(err.Error(), tc.wantMsg) {
				t.Fatalf("err=%q, want it to contain %q", err, tc.wantMsg)
			}
		})
	}
}

func TestUserRepository_GetByUsernameQueryError(t *testing.T) {
	repo, mock := userRepoWithMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(selectUserByUsernameSQL)).
		WithArgs("installer").
		WillReturnError(sql.ErrConnDone)

	u, err := repo.GetByUsername(context.Background(), "installer")
	if !errors.Is(err, sql.ErrConnDone) || u != nil {
		t.Fatalf("want wrapped ErrConnDone and nil user, got %+v, %v", u, err)
	}
}

func TestUserRepository_SQLite(t *testing.T) {
	conn, err := db.Open(filepath.Join(t.TempDir(), "users.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	repo := NewUserRepository(conn)
	ctx := context.Background()

	if u, err := repo.GetByUsername(ctx, "installer"); err != nil || u != nil {
		t.Fatalf("unknown user: got %+v, %v", u, err)
	}

	id, err := repo.Create(ctx, "installer", "$2a$hash")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id <= 0 {
		t.Fatalf("id=%d", id)
	}

	if _, err := repo.Create(ctx, "installer", "$2a$other"); !errors.Is(err, ErrUserExists) {
		t.Fatalf("duplicate: err=%v, want ErrUserExists", err)
	}

	u, err := repo.GetByUsername(ctx, "installer")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u == nil || u.ID != id || u.PasswordHash != "$2a$hash" {
		t.Fatalf("unexpected user %+v", u)
	}
}
