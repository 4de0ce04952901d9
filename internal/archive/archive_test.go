package archive

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	fsStore, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("fs store: %v", err)
	}
	return map[string]Store{
		"memory": NewMemory(),
		"fs":     fsStore,
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			info, err := store.Put(ctx, "receipts/acct/b1.json", strings.NewReader(`{"kind":"message"}`), PutOptions{
				ContentType: "application/json",
				Metadata:    map[string]string{"account": "acct"},
			})
			if err != nil {
				t.Fatalf("put: %v", err)
			}
			if info.Size == 0 || info.Key != "receipts/acct/b1.json" {
				t.Fatalf("unexpected info %+v", info)
			}

			// Create-only: second put at the same key must fail.
			if _, err := store.Put(ctx, "receipts/acct/b1.json", strings.NewReader("x"), PutOptions{}); err == nil {
				t.Fatalf("expected duplicate key rejection")
			}

			got, rc, err := store.Get(ctx, "receipts/acct/b1.json")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			data, _ := io.ReadAll(rc)
			_ = rc.Close()
			if !bytes.Contains(data, []byte("message")) {
				t.Fatalf("unexpected content %q", data)
			}
			if got.ContentType != "application/json" {
				t.Fatalf("unexpected content type %q", got.ContentType)
			}

			head, err := store.Head(ctx, "receipts/acct/b1.json")
			if err != nil || head.Size != info.Size {
				t.Fatalf("head mismatch: %+v err=%v", head, err)
			}

			if _, err := store.Put(ctx, "receipts/other/b2.json", strings.NewReader("{}"), PutOptions{}); err != nil {
				t.Fatalf("put other: %v", err)
			}
			infos, err := store.List(ctx, "receipts/acct/")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(infos) != 1 || infos[0].Key != "receipts/acct/b1.json" {
				t.Fatalf("unexpected listing %+v", infos)
			}

			existed, err := store.Delete(ctx, "receipts/acct/b1.json")
			if err != nil || !existed {
				t.Fatalf("delete: existed=%v err=%v", existed, err)
			}
			existed, err = store.Delete(ctx, "receipts/acct/b1.json")
			if err != nil || existed {
				t.Fatalf("second delete must be a miss: existed=%v err=%v", existed, err)
			}
		})
	}
}

func TestFilesystemRejectsTraversalKeys(t *testing.T) {
	store, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("fs store: %v", err)
	}
	ctx := context.Background()
	for _, key := range []string{"", "../escape", "/absolute", "a/../../b"} {
		if _, err := store.Put(ctx, key, strings.NewReader("x"), PutOptions{}); err == nil {
			t.Fatalf("expected rejection for key %q", key)
		}
	}
}
