package memory

import (
	"context"
	"testing"
	"time"

	"healthcore/pkg/domain"
	"healthcore/pkg/extension"
)

func mustCreate(t *testing.T, store *Store, rec domain.Record) domain.Record {
	t.Helper()
	var created domain.Record
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		created, err = tx.Create(rec)
		return err
	})
	if err != nil {
		t.Fatalf("create %s: %v", rec.Type, err)
	}
	return created
}

func mustUpdate(t *testing.T, store *Store, rec domain.Record) domain.Record {
	t.Helper()
	var updated domain.Record
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		updated, err = tx.Update(rec)
		return err
	})
	if err != nil {
		t.Fatalf("update %s/%s: %v", rec.Type, rec.ID, err)
	}
	return updated
}

func TestCreateAssignsIDAndVersion(t *testing.T) {
	store := NewStore()
	created := mustCreate(t, store, domain.Record{Type: "Observation", Body: map[string]any{"status": "final"}})
	if created.ID == "" {
		t.Fatalf("expected assigned id")
	}
	if created.Version != 1 {
		t.Fatalf("expected version 1, got %d", created.Version)
	}
	if created.Meta.LastUpdated.IsZero() {
		t.Fatalf("expected last-updated stamp")
	}
}

func TestCreateConflictsOnLiveID(t *testing.T) {
	store := NewStore()
	mustCreate(t, store, domain.Record{Type: "Observation", ID: "o1"})
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.Create(domain.Record{Type: "Observation", ID: "o1"})
		return err
	})
	if !domain.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestVersionsMonotonicAcrossDeleteAndRecreate(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	mustCreate(t, store, domain.Record{Type: "Observation", ID: "o1"})
	mustUpdate(t, store, domain.Record{Type: "Observation", ID: "o1", Body: map[string]any{"v": float64(2)}})

	if err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.Delete("Observation", "o1")
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "Observation", "o1"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}

	// History stays readable after delete.
	v2, err := store.GetVersion(ctx, "Observation", "o1", 2)
	if err != nil {
		t.Fatalf("get version 2: %v", err)
	}
	if v2.Body["v"] != float64(2) {
		t.Fatalf("unexpected historical body %v", v2.Body)
	}

	recreated := mustCreate(t, store, domain.Record{Type: "Observation", ID: "o1"})
	if recreated.Version != 3 {
		t.Fatalf("expected version 3 after re-create, got %d", recreated.Version)
	}
}

func TestUpdateMissingRecord(t *testing.T) {
	store := NewStore()
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.Update(domain.Record{Type: "Observation", ID: "missing"})
		return err
	})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTransactionRollbackOnError(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.Create(domain.Record{Type: "Observation", ID: "o1"}); err != nil {
			return err
		}
		return domain.Unprocessablef("abort")
	})
	if !domain.IsUnprocessable(err) {
		t.Fatalf("expected abort error, got %v", err)
	}
	if _, err := store.Get(ctx, "Observation", "o1"); !domain.IsNotFound(err) {
		t.Fatalf("aborted create must not be visible, got %v", err)
	}
}

func TestTransactionFindSeesStagedWrites(t *testing.T) {
	store := NewStore()
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		created, err := tx.Create(domain.Record{Type: "Observation", ID: "o1"})
		if err != nil {
			return err
		}
		found, ok := tx.Find("Observation", created.ID)
		if !ok || found.Version != 1 {
			t.Fatalf("expected staged record visible in tx, got %+v (%v)", found, ok)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestFindIdentityByUsername(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	identity := mustCreate(t, store, domain.NewSkeletonIdentity("koala"))

	found, ok, err := store.FindIdentityByUsername(ctx, "koala")
	if err != nil || !ok {
		t.Fatalf("expected identity, got ok=%v err=%v", ok, err)
	}
	if found.ID != identity.ID {
		t.Fatalf("expected %s got %s", identity.ID, found.ID)
	}

	if _, ok, err := store.FindIdentityByUsername(ctx, "nobody"); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	mustCreate(t, store, domain.NewSkeletonIdentity("koala"))
	if _, _, err := store.FindIdentityByUsername(ctx, "koala"); err == nil {
		t.Fatalf("expected duplicate username error")
	}
}

func TestHeadersForIdentityOrdering(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	current := base
	store.SetNowFunc(func() time.Time { return current })

	for i, id := range []string{"h-b", "h-a", "h-c"} {
		current = base.Add(time.Duration(i) * time.Minute)
		header := domain.Header{
			Event:  domain.ReceiptEvent,
			Source: "src",
			Focus:  []domain.Ref{{Type: domain.BundleType, ID: "b" + id}, {Type: domain.IdentityType, ID: "p1"}},
		}
		rec := header.Record()
		rec.ID = id
		mustCreate(t, store, rec)
	}
	// Header for another identity must not appear.
	other := domain.Header{Event: domain.ReceiptEvent, Focus: []domain.Ref{{Type: domain.IdentityType, ID: "p2"}}}
	mustCreate(t, store, other.Record())

	headers, err := store.HeadersForIdentity(ctx, "p1")
	if err != nil {
		t.Fatalf("headers: %v", err)
	}
	if len(headers) != 3 {
		t.Fatalf("expected 3 headers, got %d", len(headers))
	}
	for i, want := range []string{"h-b", "h-a", "h-c"} {
		if headers[i].ID != want {
			t.Fatalf("expected chronological order, got %s at %d", headers[i].ID, i)
		}
	}
}

func TestRecordsOwnedBy(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	owned := domain.Record{Type: "Observation", ID: "o1", Meta: domain.Meta{Extensions: extension.NewContainer()}}
	owned.SetOwner("lemur")
	mustCreate(t, store, owned)

	foreign := domain.Record{Type: "Observation", ID: "o2", Meta: domain.Meta{Extensions: extension.NewContainer()}}
	foreign.SetOwner("meerkat")
	mustCreate(t, store, foreign)

	mustCreate(t, store, domain.Record{Type: "Questionnaire", ID: "q1"})

	records, err := store.RecordsOwnedBy(ctx, "lemur")
	if err != nil {
		t.Fatalf("owned: %v", err)
	}
	if len(records) != 1 || records[0].ID != "o1" {
		t.Fatalf("unexpected owned set %+v", records)
	}
}

func TestExportImportStateRoundTrip(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	mustCreate(t, store, domain.Record{Type: "Observation", ID: "o1", Body: map[string]any{"status": "final"}})
	mustUpdate(t, store, domain.Record{Type: "Observation", ID: "o1", Body: map[string]any{"status": "amended"}})

	snapshot := store.ExportState()
	restored := NewStore()
	restored.ImportState(snapshot)

	live, err := restored.Get(ctx, "Observation", "o1")
	if err != nil {
		t.Fatalf("get after import: %v", err)
	}
	if live.Version != 2 || live.Body["status"] != "amended" {
		t.Fatalf("unexpected restored record %+v", live)
	}
	if _, err := restored.GetVersion(ctx, "Observation", "o1", 1); err != nil {
		t.Fatalf("history must survive import: %v", err)
	}

	// Snapshot is a clone: mutating the source afterwards must not leak.
	mustUpdate(t, store, domain.Record{Type: "Observation", ID: "o1", Body: map[string]any{"status": "entered-in-error"}})
	liveAgain, _ := restored.Get(ctx, "Observation", "o1")
	if liveAgain.Version != 2 {
		t.Fatalf("snapshot aliased source state")
	}
}
