package archive

import (
	"context"
	"strings"
	"testing"

	"healthcore/pkg/domain"
)

func TestEnvelopesArchiveAndRead(t *testing.T) {
	ctx := context.Background()
	arch := NewEnvelopes(NewMemory())

	header := domain.Header{Event: domain.ReceiptEvent, Source: "app", Account: "quokka"}
	headerRec := header.Record()
	env := domain.Envelope{Kind: domain.EnvelopeMessage, Entries: []domain.Entry{{Resource: &headerRec}}}

	key, err := arch.Archive(ctx, "quokka", "b1", env)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !strings.HasPrefix(key, "receipts/quokka/b1-") {
		t.Fatalf("unexpected key %q", key)
	}

	decoded, err := arch.Read(ctx, key)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if h, ok := decoded.Header(); !ok || h.Account != "quokka" {
		t.Fatalf("unexpected archived envelope %+v", decoded)
	}

	// Replaying the same bundle gets a fresh key rather than a collision.
	again, err := arch.Archive(ctx, "quokka", "b1", env)
	if err != nil {
		t.Fatalf("second archive: %v", err)
	}
	if again == key {
		t.Fatalf("expected unique keys, got duplicate %q", key)
	}

	infos, err := arch.ListAccount(ctx, "quokka")
	if err != nil || len(infos) != 2 {
		t.Fatalf("expected 2 entries, got %d err=%v", len(infos), err)
	}
}

func TestEnvelopesArchiveValidation(t *testing.T) {
	arch := NewEnvelopes(NewMemory())
	if _, err := arch.Archive(context.Background(), "", "b1", domain.Envelope{}); err == nil {
		t.Fatalf("expected error for missing account")
	}
	if _, err := arch.Archive(context.Background(), "acct", "", domain.Envelope{}); err == nil {
		t.Fatalf("expected error for missing bundle id")
	}
}
