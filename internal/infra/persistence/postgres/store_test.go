package postgres

import (
	"context"
	"database/sql"
	"testing"

	"healthcore/internal/infra/persistence/postgres/testutil"
	"healthcore/pkg/domain"
)

func TestNewStorePersistsBuckets(t *testing.T) {
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()

	store, err := NewStore("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	ctx := context.Background()
	if err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.Create(domain.NewSkeletonIdentity("owl")); err != nil {
			return err
		}
		_, err := tx.Create(domain.Record{Type: "Observation", ID: "o1"})
		return err
	}); err != nil {
		t.Fatalf("tx: %v", err)
	}

	rows := conn.Tables["state"]
	if len(rows) != 4 {
		t.Fatalf("expected 4 bucket rows, got %d", len(rows))
	}
	seen := map[string]bool{}
	for _, row := range rows {
		bucket, _ := row["bucket"].(string)
		seen[bucket] = true
	}
	for _, bucket := range []string{"identities", "headers", "bundles", "clinical"} {
		if !seen[bucket] {
			t.Fatalf("missing bucket %s in %v", bucket, seen)
		}
	}
}

func TestNewStoreHydratesFromSnapshot(t *testing.T) {
	db, _ := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()

	first, err := NewStore("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	if err := first.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.Create(domain.Record{Type: "Observation", ID: "o1", Body: map[string]any{"status": "final"}})
		return err
	}); err != nil {
		t.Fatalf("tx: %v", err)
	}

	second, err := NewStore("")
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	live, err := second.Get(ctx, "Observation", "o1")
	if err != nil {
		t.Fatalf("get after hydrate: %v", err)
	}
	if live.Version != 1 || live.Body["status"] != "final" {
		t.Fatalf("unexpected hydrated record %+v", live)
	}
}

func TestNewStorePingFailure(t *testing.T) {
	db, conn := testutil.NewStubDB()
	conn.FailExec = true
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()

	if _, err := NewStore("dsn"); err == nil {
		t.Fatalf("expected ping failure")
	}
}

func TestRunInTransactionPersistFailure(t *testing.T) {
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()

	store, err := NewStore("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	conn.FailCommit = true
	err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.Create(domain.Record{Type: "Observation", ID: "o1"})
		return err
	})
	if err == nil {
		t.Fatalf("expected persist failure to surface")
	}
	if domain.KindOf(err) != domain.KindInternal {
		t.Fatalf("expected internal kind, got %v", domain.KindOf(err))
	}
}
