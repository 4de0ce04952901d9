package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	"healthcore/pkg/domain"
)

// Envelopes archives accepted receipt envelopes verbatim, keyed by account
// and bundle id. Keys carry a random suffix so rebuild replays and retries
// never collide with the create-only Put semantics.
type Envelopes struct {
	store Store
}

// NewEnvelopes wraps a blob store as an envelope archive.
func NewEnvelopes(store Store) *Envelopes {
	return &Envelopes{store: store}
}

// Driver reports the underlying blob driver.
func (a *Envelopes) Driver() Driver { return a.store.Driver() }

// Archive writes the envelope as JSON under
// receipts/<username>/<bundleID>-<uuid>.json and returns the blob key.
func (a *Envelopes) Archive(ctx context.Context, username, bundleID string, env domain.Envelope) (string, error) {
	if username == "" || bundleID == "" {
		return "", fmt.Errorf("archive requires account and bundle id")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	key := fmt.Sprintf("receipts/%s/%s-%s.json", username, bundleID, uuid.NewString())
	_, err = a.store.Put(ctx, key, bytes.NewReader(data), PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"account": username, "bundle": bundleID},
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// Read returns the archived envelope stored under key.
func (a *Envelopes) Read(ctx context.Context, key string) (domain.Envelope, error) {
	_, rc, err := a.store.Get(ctx, key)
	if err != nil {
		return domain.Envelope{}, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return domain.Envelope{}, err
	}
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.Envelope{}, fmt.Errorf("decode archived envelope %s: %w", key, err)
	}
	return env, nil
}

// ListAccount returns the archive entries recorded for an account.
func (a *Envelopes) ListAccount(ctx context.Context, username string) ([]Info, error) {
	return a.store.List(ctx, "receipts/"+username+"/")
}
