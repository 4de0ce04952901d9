package ledger

import (
	"context"
	"testing"
	"time"

	"healthcore/pkg/domain"
)

func clinicalRecord(typ, id, patientID, source string, body map[string]any) domain.Record {
	if body == nil {
		body = map[string]any{}
	}
	if patientID != "" {
		body["subject"] = map[string]any{"reference": domain.IdentityType + "/" + patientID}
	}
	return domain.Record{Type: typ, ID: id, Body: body, Meta: domain.Meta{Source: source}}
}

func TestDirectWritesBatchWithinWindow(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	svc, store := newTestService(t, WithClock(clock))
	store.SetNowFunc(clock)
	ctx := context.Background()

	if _, err := svc.CreateAccount(ctx, "quokka", "p1"); err != nil {
		t.Fatalf("create account: %v", err)
	}

	first, err := svc.CreateRecord(ctx, clinicalRecord("Observation", "", "p1", "app", map[string]any{"status": "one"}))
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	firstLinks := first.Links()
	if len(firstLinks) != 1 {
		t.Fatalf("first write links = %v, want one bundle", firstLinks)
	}
	bundleID := firstLinks[0].ID

	// 30 seconds later the same source joins the open receipt.
	now = now.Add(30 * time.Second)
	second, err := svc.CreateRecord(ctx, clinicalRecord("Observation", "", "p1", "app", map[string]any{"status": "two"}))
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if links := second.Links(); len(links) != 1 || links[0].ID != bundleID {
		t.Fatalf("second write links = %v, want bundle %s", links, bundleID)
	}
	env, err := svc.GetReceipt(ctx, bundleID)
	if err != nil {
		t.Fatalf("get receipt: %v", err)
	}
	if len(env.Entries) != 3 {
		t.Fatalf("open receipt has %d entries, want header + 2", len(env.Entries))
	}

	// A different source never joins, regardless of timing.
	other, err := svc.CreateRecord(ctx, clinicalRecord("Observation", "", "p1", "otherapp", map[string]any{"status": "three"}))
	if err != nil {
		t.Fatalf("other-source write: %v", err)
	}
	if links := other.Links(); links[0].ID == bundleID {
		t.Fatalf("other source joined bundle %s", bundleID)
	}

	// Past the window a fresh receipt opens.
	now = now.Add(DefaultReceiptWindow + time.Second)
	late, err := svc.CreateRecord(ctx, clinicalRecord("Observation", "", "p1", "app", map[string]any{"status": "four"}))
	if err != nil {
		t.Fatalf("late write: %v", err)
	}
	if links := late.Links(); links[0].ID == bundleID {
		t.Fatalf("late write joined expired bundle %s", bundleID)
	}

	identity, _, err := store.FindIdentityByUsername(ctx, "quokka")
	if err != nil {
		t.Fatalf("find identity: %v", err)
	}
	headers, err := store.HeadersForIdentity(ctx, identity.ID)
	if err != nil || len(headers) != 3 {
		t.Fatalf("headers = %d err=%v, want 3", len(headers), err)
	}
}

func TestUpdateRecordJoinsOpenReceipt(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	svc, store := newTestService(t, WithClock(clock))
	store.SetNowFunc(clock)
	ctx := context.Background()

	if _, err := svc.CreateAccount(ctx, "quokka", "p1"); err != nil {
		t.Fatalf("create account: %v", err)
	}
	created, err := svc.CreateRecord(ctx, clinicalRecord("Observation", "obs1", "p1", "app", map[string]any{"status": "v1"}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	bundleID := created.Links()[0].ID

	now = now.Add(10 * time.Second)
	updated, err := svc.UpdateRecord(ctx, clinicalRecord("Observation", "obs1", "p1", "app", map[string]any{"status": "v2"}))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("updated version = %d, want 2", updated.Version)
	}
	// One link per produced version, both naming the joined receipt.
	links := updated.Links()
	if len(links) != 2 || links[0].ID != bundleID || links[1].ID != bundleID {
		t.Fatalf("links = %v, want [%s %s]", links, bundleID, bundleID)
	}

	// Deleting the receipt undoes both writes.
	if err := svc.DeleteRecord(ctx, domain.BundleType, bundleID, false); err != nil {
		t.Fatalf("delete receipt: %v", err)
	}
	if _, err := svc.GetRecord(ctx, "Observation", "obs1"); !domain.IsNotFound(err) {
		t.Fatalf("observation survived rollback: %v", err)
	}
	_ = store
}

func TestCreateRecordProvisionsAccountForIdentity(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	identity := domain.Record{Type: domain.IdentityType, ID: "p1", Body: map[string]any{"name": "Q."}}
	domain.AddUsernameToIdentity(&identity, "quokka")
	identity.Meta.Source = "app"

	stored, err := svc.CreateRecord(ctx, identity)
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	if stored.ID != "p1" {
		t.Fatalf("identity id = %q, want p1", stored.ID)
	}
	if stored.Body["name"] != "Q." {
		t.Fatalf("identity body = %v, want profile applied", stored.Body)
	}
	if _, found, _ := store.FindIdentityByUsername(ctx, "quokka"); !found {
		t.Fatal("account not provisioned")
	}

	// A second identity create for the same account at another id conflicts.
	clash := domain.Record{Type: domain.IdentityType, ID: "p2", Body: map[string]any{}}
	domain.AddUsernameToIdentity(&clash, "quokka")
	if _, err := svc.CreateRecord(ctx, clash); !domain.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestDirectWriteGuards(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateAccount(ctx, "quokka", "p1"); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if _, err := svc.CreateAccount(ctx, "wombat", "p2"); err != nil {
		t.Fatalf("create account: %v", err)
	}

	t.Run("no owner", func(t *testing.T) {
		_, err := svc.CreateRecord(ctx, clinicalRecord("Observation", "", "", "app", nil))
		if !domain.IsUnprocessable(err) {
			t.Fatalf("expected unprocessable, got %v", err)
		}
	})
	t.Run("unknown linked identity", func(t *testing.T) {
		_, err := svc.CreateRecord(ctx, clinicalRecord("Observation", "", "ghost", "app", nil))
		if !domain.IsUnprocessable(err) {
			t.Fatalf("expected unprocessable, got %v", err)
		}
	})
	t.Run("owner tag conflicts with link", func(t *testing.T) {
		rec := clinicalRecord("Observation", "", "p1", "app", nil)
		rec.SetOwner("wombat")
		_, err := svc.CreateRecord(ctx, rec)
		if !domain.IsUnprocessable(err) {
			t.Fatalf("expected unprocessable, got %v", err)
		}
	})
	t.Run("update without id", func(t *testing.T) {
		_, err := svc.UpdateRecord(ctx, clinicalRecord("Observation", "", "p1", "app", nil))
		if !domain.IsUnprocessable(err) {
			t.Fatalf("expected unprocessable, got %v", err)
		}
	})
	t.Run("ledger types are protected", func(t *testing.T) {
		_, err := svc.CreateRecord(ctx, domain.Record{Type: domain.BundleType, Body: map[string]any{}})
		if !domain.IsUnprocessable(err) {
			t.Fatalf("expected unprocessable, got %v", err)
		}
	})
	t.Run("sentinel reference stores shared", func(t *testing.T) {
		rec := clinicalRecord("Observation", "", domain.SharedOwnerSentinel, "app", map[string]any{"status": "shared"})
		stored, err := svc.CreateRecord(ctx, rec)
		if err != nil {
			t.Fatalf("sentinel write: %v", err)
		}
		if owner, ok := stored.Owner(); ok {
			t.Fatalf("sentinel record owned by %q", owner)
		}
	})
}

func TestSharedTypeWritesSkipReceipts(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateRecord(ctx, domain.Record{Type: "Questionnaire", Body: map[string]any{"title": "intake"}, Meta: domain.Meta{Source: "app"}})
	if err != nil {
		t.Fatalf("create shared: %v", err)
	}
	if owner, ok := created.Owner(); ok {
		t.Fatalf("shared record owned by %q", owner)
	}

	updated, err := svc.UpdateRecord(ctx, domain.Record{Type: "Questionnaire", ID: created.ID, Body: map[string]any{"title": "intake v2"}})
	if err != nil || updated.Version != 2 {
		t.Fatalf("update shared: v%d err=%v", updated.Version, err)
	}

	bundles, err := store.List(ctx, domain.BundleType)
	if err != nil || len(bundles) != 0 {
		t.Fatalf("bundles = %d err=%v, want none for shared writes", len(bundles), err)
	}
}

func TestSubmitBatchSynthesizesReceipt(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	patient := domain.Record{Type: domain.IdentityType, Body: map[string]any{"name": "Q."}}
	domain.AddUsernameToIdentity(&patient, "quokka")
	env := domain.Envelope{Kind: domain.EnvelopeTransaction, Entries: []domain.Entry{
		{Resource: &patient, Verb: domain.VerbCreate},
		createEntry("Observation", "obs1", map[string]any{"status": "final"}),
	}}

	ack, err := svc.SubmitBatch(ctx, env, "app")
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	bundleID := ackBundleID(t, ack)

	stored, err := svc.GetReceipt(ctx, bundleID)
	if err != nil {
		t.Fatalf("get synthesized receipt: %v", err)
	}
	if len(stored.Entries) != 3 || !stored.IsReceipt() {
		t.Fatalf("synthesized receipt = %s, want message with 3 entries", stored.String())
	}

	obs, err := svc.GetRecord(ctx, "Observation", "obs1")
	if err != nil {
		t.Fatalf("get observation: %v", err)
	}
	if owner, _ := obs.Owner(); owner != "quokka" {
		t.Fatalf("observation owner = %q, want quokka", owner)
	}
	if links := obs.Links(); len(links) != 1 || links[0].ID != bundleID {
		t.Fatalf("observation links = %v, want [Bundle/%s]", links, bundleID)
	}
	if _, found, _ := store.FindIdentityByUsername(ctx, "quokka"); !found {
		t.Fatal("account not provisioned by batch")
	}
}

func TestSubmitBatchRedirectsIdentityToCanonical(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateAccount(ctx, "quokka", "p1"); err != nil {
		t.Fatalf("create account: %v", err)
	}

	patient := domain.Record{Type: domain.IdentityType, ID: "p9", Body: map[string]any{"name": "Q."}}
	domain.AddUsernameToIdentity(&patient, "quokka")
	env := domain.Envelope{Kind: domain.EnvelopeBatch, Entries: []domain.Entry{
		{Resource: &patient, Verb: domain.VerbUpdate, Target: domain.IdentityType + "/p9"},
	}}

	ack, err := svc.SubmitBatch(ctx, env, "app")
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	stored, err := svc.GetReceipt(ctx, ackBundleID(t, ack))
	if err != nil {
		t.Fatalf("get receipt: %v", err)
	}
	if stored.Entries[1].Stored.ID != "p1" {
		t.Fatalf("identity entry landed at %s, want canonical p1", stored.Entries[1].Stored.ID)
	}
	if _, err := svc.GetRecord(ctx, domain.IdentityType, "p9"); !domain.IsNotFound(err) {
		t.Fatalf("stray identity created at p9: %v", err)
	}
}

func TestSubmitBatchSharedOnly(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	env := domain.Envelope{Kind: domain.EnvelopeBatch, Entries: []domain.Entry{
		createEntry("Questionnaire", "q1", map[string]any{"title": "intake"}),
	}}
	ack, err := svc.SubmitBatch(ctx, env, "app")
	if err != nil {
		t.Fatalf("submit shared batch: %v", err)
	}
	if len(ack.Entries) != 1 {
		t.Fatalf("ack entries = %d, want 1", len(ack.Entries))
	}
	if _, ok := ack.Entries[0].Resource.Body["focus"]; ok {
		t.Fatalf("shared-only ack names a bundle: %v", ack.Entries[0].Resource.Body)
	}
	if _, err := svc.GetRecord(ctx, "Questionnaire", "q1"); err != nil {
		t.Fatalf("shared record not committed: %v", err)
	}
	if bundles, _ := store.List(ctx, domain.BundleType); len(bundles) != 0 {
		t.Fatalf("shared-only batch produced %d bundles", len(bundles))
	}
}

func TestSubmitBatchValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	obs := createEntry("Observation", "", map[string]any{"status": "final"})

	t.Run("wrong kind", func(t *testing.T) {
		env := domain.Envelope{Kind: domain.EnvelopeMessage, Entries: []domain.Entry{obs}}
		if _, err := svc.SubmitBatch(ctx, env, "app"); !domain.IsUnprocessable(err) {
			t.Fatalf("expected unprocessable, got %v", err)
		}
	})
	t.Run("empty", func(t *testing.T) {
		env := domain.Envelope{Kind: domain.EnvelopeBatch}
		if _, err := svc.SubmitBatch(ctx, env, "app"); !domain.IsUnprocessable(err) {
			t.Fatalf("expected unprocessable, got %v", err)
		}
	})
	t.Run("delete verb", func(t *testing.T) {
		entry := obs
		entry.Verb = domain.VerbDelete
		env := domain.Envelope{Kind: domain.EnvelopeTransaction, Entries: []domain.Entry{entry}}
		if _, err := svc.SubmitBatch(ctx, env, "app"); !domain.IsUnprocessable(err) {
			t.Fatalf("expected unprocessable, got %v", err)
		}
	})
	t.Run("unowned clinical entry", func(t *testing.T) {
		env := domain.Envelope{Kind: domain.EnvelopeTransaction, Entries: []domain.Entry{obs}}
		if _, err := svc.SubmitBatch(ctx, env, "app"); !domain.IsUnprocessable(err) {
			t.Fatalf("expected unprocessable, got %v", err)
		}
	})
}
