package ledger

import (
	"context"

	"healthcore/pkg/domain"
	"healthcore/pkg/extension"
)

// SubmitReceipt validates and stores a data receipt: the raw envelope persists
// as a bundle, a header records the focus (bundle then identity), and the
// content entries commit atomically with owner tags and back-links. The
// account is provisioned on first contact. Returns an acknowledgement
// envelope naming the stored header and bundle.
func (s *Service) SubmitReceipt(ctx context.Context, env domain.Envelope) (domain.Envelope, error) {
	var ack domain.Envelope
	err := s.observe(ctx, "submit_receipt", func(ctx context.Context) error {
		header, err := validateReceipt(env)
		if err != nil {
			return err
		}
		identity, err := s.ensureAccount(ctx, header.Account, true, "")
		if err != nil {
			return err
		}
		working := env.Clone()
		// Back-links are system-managed; drop whatever the submitter sent.
		for i := range working.Entries {
			working.Entries[i].Stored = nil
		}
		bundleRec, headerRec, err := s.beginReceipt(ctx, &working, header, identity.ID)
		if err != nil {
			return err
		}
		bundleRef := domain.Ref{Type: domain.BundleType, ID: bundleRec.ID}
		if err := s.stageEnvelope(ctx, &working, bundleRef, identity.ID, header.Account); err != nil {
			s.discardReceiptShell(ctx, bundleRec.ID, headerRec.ID)
			return err
		}
		s.patchBundle(ctx, bundleRec.ID, working)
		s.archiveReceipt(ctx, header.Account, bundleRec.ID, working)
		s.logger.Info("receipt stored", "username", header.Account, "bundle", bundleRec.ID, "entries", len(working.Entries)-1)
		ack = ackEnvelope(headerRec.ID, bundleRec.ID, header.Source)
		return nil
	})
	return ack, err
}

// GetReceipt returns the stored receipt envelope for a bundle id. Bundles
// that are not receipts read as not found.
func (s *Service) GetReceipt(ctx context.Context, id string) (domain.Envelope, error) {
	var env domain.Envelope
	err := s.observe(ctx, "get_receipt", func(ctx context.Context) error {
		rec, err := s.store.Get(ctx, domain.BundleType, id)
		if err != nil {
			return err
		}
		env, err = domain.DecodeEnvelope(rec)
		if err != nil {
			return err
		}
		if !env.IsReceipt() {
			return domain.NotFoundf("receipt %s not found", id)
		}
		return nil
	})
	return env, err
}

// validateReceipt checks the envelope shape before anything persists.
func validateReceipt(env domain.Envelope) (domain.Header, error) {
	if env.Kind != domain.EnvelopeMessage {
		return domain.Header{}, domain.Unprocessablef("receipt must be a message envelope, got %q", env.Kind)
	}
	header, ok := env.Header()
	if !ok {
		return domain.Header{}, domain.Unprocessablef("receipt requires a leading header entry")
	}
	if header.Event != domain.ReceiptEvent {
		return domain.Header{}, domain.Unprocessablef("unsupported message event %q", header.Event)
	}
	if header.Account == "" {
		return domain.Header{}, domain.Unprocessablef("receipt header missing account username")
	}
	if len(env.Entries) < 2 {
		return domain.Header{}, domain.Unprocessablef("receipt requires at least one content entry")
	}
	if err := validateContentEntries(env); err != nil {
		return domain.Header{}, err
	}
	return header, nil
}

func validateContentEntries(env domain.Envelope) error {
	for i, entry := range env.Entries[1:] {
		if entry.Resource == nil {
			return domain.Unprocessablef("entry %d missing resource", i+1)
		}
		if entry.Verb == domain.VerbDelete {
			return domain.Unprocessablef("write-sets cannot carry delete entries")
		}
		switch entry.Resource.Type {
		case domain.HeaderType, domain.BundleType:
			return domain.Unprocessablef("entry %d: nested %s entries are not allowed", i+1, entry.Resource.Type)
		}
	}
	return nil
}

// beginReceipt persists the raw bundle and its header in one commit and
// stamps the header back-link onto the working envelope.
func (s *Service) beginReceipt(ctx context.Context, working *domain.Envelope, header domain.Header, identityID string) (domain.Record, domain.Record, error) {
	bundleRec, err := domain.EncodeEnvelope(*working)
	if err != nil {
		return domain.Record{}, domain.Record{}, err
	}
	bundleRec.Meta.Source = header.Source

	var headerRec domain.Record
	err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		bundleRec, err = tx.Create(bundleRec)
		if err != nil {
			return err
		}
		stored := domain.Header{
			Event:   domain.ReceiptEvent,
			Source:  header.Source,
			Account: header.Account,
			Focus: []domain.Ref{
				{Type: domain.BundleType, ID: bundleRec.ID},
				{Type: domain.IdentityType, ID: identityID},
			},
		}
		headerRec, err = tx.Create(stored.Record())
		return err
	})
	if err != nil {
		return domain.Record{}, domain.Record{}, err
	}
	ref := headerRec.Ref()
	working.Entries[0].Stored = &ref
	return bundleRec, headerRec, nil
}

// discardReceiptShell best-effort removes a bundle and header whose content
// entries failed to commit.
func (s *Service) discardReceiptShell(ctx context.Context, bundleID, headerID string) {
	err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, ok := tx.Find(domain.BundleType, bundleID); ok {
			if err := tx.Delete(domain.BundleType, bundleID); err != nil {
				return err
			}
		}
		if _, ok := tx.Find(domain.HeaderType, headerID); ok {
			if err := tx.Delete(domain.HeaderType, headerID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("orphaned receipt shell", "bundle", bundleID, "header", headerID, "error", err)
	}
}

// stageEnvelope commits the content entries of the working envelope in one
// transaction and patches the stored back-links. A count or type-order
// mismatch between submitted and committed entries is fatal.
func (s *Service) stageEnvelope(ctx context.Context, working *domain.Envelope, bundleRef domain.Ref, identityID, username string) error {
	if err := validateContentEntries(*working); err != nil {
		return err
	}
	ec := entryContext{identityID: identityID, username: username}
	stored := make([]domain.Record, 0, len(working.Entries)-1)
	err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		stored = stored[:0]
		for i := range working.Entries[1:] {
			entry := working.Entries[i+1]
			rec, err := s.stageEntry(tx, entry, bundleRef, ec)
			if err != nil {
				return err
			}
			stored = append(stored, rec)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(stored) != len(working.Entries)-1 {
		return domain.Internalf("committed %d entries for %d submitted", len(stored), len(working.Entries)-1)
	}
	for i, rec := range stored {
		entry := &working.Entries[i+1]
		if entry.Resource.Type != rec.Type {
			return domain.Internalf("committed entry %d is %s, submitted %s", i+1, rec.Type, entry.Resource.Type)
		}
		ref := rec.Ref()
		entry.Stored = &ref
	}
	return nil
}

// stageEntry commits one content entry: shared types write untagged and
// unlinked, owned types carry the owner tag and the receipt link list. The
// owner tag is set once; an entry tagged to another account is rejected.
func (s *Service) stageEntry(tx domain.Transaction, entry domain.Entry, bundleRef domain.Ref, ec entryContext) (domain.Record, error) {
	rec := entry.Resource.Clone()
	rec.Version = 0

	if s.shared.Contains(rec.Type) || referencesSharedSentinel(rec) {
		rec.ClearOwner()
		rec.Meta.Extensions.Remove(extension.URIReceiptLinks)
		if rec.ID != "" {
			if _, ok := tx.Find(rec.Type, rec.ID); ok {
				return tx.Update(rec)
			}
		}
		return tx.Create(rec)
	}

	if owner, ok := rec.Owner(); ok && owner != ec.username {
		return domain.Record{}, domain.Unprocessablef("cannot change the account owning a %s record from %q to %q", rec.Type, owner, ec.username)
	}
	plan, err := handlerFor(rec.Type).Plan(tx, &rec, entry, ec)
	if err != nil {
		return domain.Record{}, err
	}
	rec.ID = plan.id
	rec.SetOwner(ec.username)
	if plan.update {
		existing, ok := tx.Find(rec.Type, rec.ID)
		if !ok {
			return domain.Record{}, domain.NotFoundf("%s/%s not found for update", rec.Type, rec.ID)
		}
		if owner, ok := existing.Owner(); ok && owner != ec.username {
			return domain.Record{}, domain.Unprocessablef("cannot change the account owning a %s record from %q to %q", rec.Type, owner, ec.username)
		}
		// One link per produced version, even when a single receipt writes
		// the record twice.
		rec.SetLinks(append(existing.Links(), bundleRef))
		return tx.Update(rec)
	}
	rec.SetLinks([]domain.Ref{bundleRef})
	return tx.Create(rec)
}

// patchBundle rewrites the stored bundle body with the patched envelope.
// Failures are tolerated: the receipt is committed, only its back-links stay
// stale.
func (s *Service) patchBundle(ctx context.Context, bundleID string, env domain.Envelope) {
	encoded, err := domain.EncodeEnvelope(env)
	if err != nil {
		s.logger.Warn("bundle patch encode failed", "bundle", bundleID, "error", err)
		return
	}
	err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		current, ok := tx.Find(domain.BundleType, bundleID)
		if !ok {
			return domain.NotFoundf("bundle %s not found", bundleID)
		}
		current.Body = encoded.Body
		_, err := tx.Update(current)
		return err
	})
	if err != nil {
		s.logger.Warn("bundle patch failed", "bundle", bundleID, "error", err)
	}
}

// archiveReceipt copies the accepted envelope to the blob archive when one is
// configured. Failures never surface to the submitter.
func (s *Service) archiveReceipt(ctx context.Context, username, bundleID string, env domain.Envelope) {
	if s.archive == nil {
		return
	}
	key, err := s.archive.Archive(ctx, username, bundleID, env)
	if err != nil {
		s.logger.Warn("receipt archive failed", "username", username, "bundle", bundleID, "error", err)
		return
	}
	s.logger.Debug("receipt archived", "username", username, "key", key)
}

// ackEnvelope builds the acknowledgement returned to a submitter. Receipts
// name the stored header and bundle; shared-only batches ack without either.
func ackEnvelope(headerID, bundleID, source string) domain.Envelope {
	response := map[string]any{"code": "ok"}
	if headerID != "" {
		response["identifier"] = headerID
	}
	body := map[string]any{
		"event":       domain.ReceiptEvent,
		"response":    response,
		"destination": source,
	}
	if bundleID != "" {
		body["focus"] = []any{domain.Ref{Type: domain.BundleType, ID: bundleID}.String()}
	}
	rec := domain.Record{
		Type: domain.HeaderType,
		Body: body,
		Meta: domain.Meta{Extensions: extension.NewContainer()},
	}
	return domain.Envelope{Kind: domain.EnvelopeMessage, Entries: []domain.Entry{{Resource: &rec}}}
}
