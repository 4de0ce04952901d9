package ledger

import (
	"context"

	"healthcore/pkg/domain"
	"healthcore/pkg/extension"
)

// CreateRecord intercepts a direct create: the write lands through a receipt
// on the owning account, joining the account's open receipt for the same
// source when one is younger than the batching window. Shared types write
// directly without a receipt. Identity creates provision the account on first
// contact; an explicit id clashing with an existing account's canonical
// identity is a conflict.
func (s *Service) CreateRecord(ctx context.Context, rec domain.Record) (domain.Record, error) {
	var stored domain.Record
	err := s.observe(ctx, "create_record", func(ctx context.Context) error {
		if err := checkWritableType(rec); err != nil {
			return err
		}
		if s.shared.Contains(rec.Type) {
			var err error
			stored, err = s.writeShared(ctx, rec, false)
			return err
		}
		username, err := s.resolveOwner(ctx, rec)
		if err != nil {
			return err
		}
		if username == "" {
			if referencesSharedSentinel(rec) {
				stored, err = s.writeShared(ctx, rec, false)
				return err
			}
			return domain.Unprocessablef("cannot determine the owning account for %s", rec.Type)
		}
		provision := false
		targetID := ""
		if rec.Type == domain.IdentityType {
			identity, found, err := s.store.FindIdentityByUsername(ctx, username)
			if err != nil {
				return err
			}
			if found {
				if rec.ID != "" && rec.ID != identity.ID {
					return domain.Conflictf("account %q already has identity %s", username, identity.ID)
				}
			} else {
				provision = true
				targetID = rec.ID
			}
		}
		stored, err = s.interceptWrite(ctx, rec, domain.VerbCreate, username, provision, targetID)
		return err
	})
	return stored, err
}

// UpdateRecord intercepts a direct update. Absent records upsert in place;
// the write otherwise follows the same receipt batching as CreateRecord.
func (s *Service) UpdateRecord(ctx context.Context, rec domain.Record) (domain.Record, error) {
	var stored domain.Record
	err := s.observe(ctx, "update_record", func(ctx context.Context) error {
		if rec.ID == "" {
			return domain.Unprocessablef("update requires a record id")
		}
		if err := checkWritableType(rec); err != nil {
			return err
		}
		if s.shared.Contains(rec.Type) {
			var err error
			stored, err = s.writeShared(ctx, rec, true)
			return err
		}
		username, err := s.resolveOwner(ctx, rec)
		if err != nil {
			return err
		}
		if username == "" {
			if referencesSharedSentinel(rec) {
				stored, err = s.writeShared(ctx, rec, true)
				return err
			}
			return domain.Unprocessablef("cannot determine the owning account for %s/%s", rec.Type, rec.ID)
		}
		provision := false
		targetID := ""
		if rec.Type == domain.IdentityType {
			identity, found, err := s.store.FindIdentityByUsername(ctx, username)
			if err != nil {
				return err
			}
			switch {
			case found && identity.ID != rec.ID:
				return domain.Conflictf("account %q identity is %s, not %s", username, identity.ID, rec.ID)
			case !found:
				provision = true
				targetID = rec.ID
			}
		}
		stored, err = s.interceptWrite(ctx, rec, domain.VerbUpdate, username, provision, targetID)
		return err
	})
	return stored, err
}

// SubmitBatch executes a transaction or batch envelope as one synthesized
// receipt on the owning account. The identity entry, when present, redirects
// onto the account's canonical identity record. Batches touching only shared
// types commit without a receipt. Returns an acknowledgement envelope.
func (s *Service) SubmitBatch(ctx context.Context, env domain.Envelope, source string) (domain.Envelope, error) {
	var ack domain.Envelope
	err := s.observe(ctx, "submit_batch", func(ctx context.Context) error {
		if env.Kind != domain.EnvelopeTransaction && env.Kind != domain.EnvelopeBatch {
			return domain.Unprocessablef("batch must be a transaction or batch envelope, got %q", env.Kind)
		}
		if len(env.Entries) == 0 {
			return domain.Unprocessablef("batch requires at least one entry")
		}
		for i, entry := range env.Entries {
			if entry.Resource == nil {
				return domain.Unprocessablef("entry %d missing resource", i)
			}
			if entry.Verb == domain.VerbDelete {
				return domain.Unprocessablef("write-sets cannot carry delete entries")
			}
			switch entry.Resource.Type {
			case domain.HeaderType, domain.BundleType:
				return domain.Unprocessablef("entry %d: nested %s entries are not allowed", i, entry.Resource.Type)
			}
		}

		username, sourceIdentityID, err := s.resolveBatchOwner(ctx, env)
		if err != nil {
			return err
		}
		if username == "" {
			var err error
			ack, err = s.commitSharedBatch(ctx, env, source)
			return err
		}

		identity, err := s.ensureAccount(ctx, username, true, sourceIdentityID)
		if err != nil {
			return err
		}
		header := domain.Header{Event: domain.ReceiptEvent, Source: source, Account: username}
		headerEntry := header.Record()
		working := domain.Envelope{Kind: domain.EnvelopeMessage, Entries: make([]domain.Entry, 0, len(env.Entries)+1)}
		working.Entries = append(working.Entries, domain.Entry{Resource: &headerEntry})
		for _, entry := range env.Clone().Entries {
			entry.Stored = nil
			working.Entries = append(working.Entries, entry)
		}

		bundleRec, headerRec, err := s.beginReceipt(ctx, &working, header, identity.ID)
		if err != nil {
			return err
		}
		bundleRef := domain.Ref{Type: domain.BundleType, ID: bundleRec.ID}
		if err := s.stageEnvelope(ctx, &working, bundleRef, identity.ID, username); err != nil {
			s.discardReceiptShell(ctx, bundleRec.ID, headerRec.ID)
			return err
		}
		// Locate the synthesized bundle through the newest link of a committed
		// entry before patching; a mismatch means entries landed elsewhere.
		located, err := s.locateBatchBundle(ctx, working)
		if err != nil {
			return err
		}
		if located != "" && located != bundleRec.ID {
			return domain.Internalf("batch entries linked to bundle %s, expected %s", located, bundleRec.ID)
		}
		s.patchBundle(ctx, bundleRec.ID, working)
		s.archiveReceipt(ctx, username, bundleRec.ID, working)
		s.logger.Info("batch stored", "username", username, "bundle", bundleRec.ID, "entries", len(working.Entries)-1)
		ack = ackEnvelope(headerRec.ID, bundleRec.ID, source)
		return nil
	})
	return ack, err
}

// referencesSharedSentinel reports whether the record links its identity
// reference through the shared sentinel, marking it deliberately unowned.
func referencesSharedSentinel(rec domain.Record) bool {
	ref, ok := rec.IdentityRef()
	return ok && ref.ID == domain.SharedOwnerSentinel
}

// checkWritableType rejects direct writes to the ledger's own record types.
func checkWritableType(rec domain.Record) error {
	switch rec.Type {
	case "":
		return domain.Unprocessablef("record type required")
	case domain.HeaderType, domain.BundleType:
		return domain.Unprocessablef("submit write-sets through the receipts endpoint")
	}
	return nil
}

// writeShared commits a shared record directly, untagged and unlinked.
func (s *Service) writeShared(ctx context.Context, rec domain.Record, upsert bool) (domain.Record, error) {
	cleaned := rec.Clone()
	cleaned.Version = 0
	cleaned.ClearOwner()
	cleaned.Meta.Extensions.Remove(extension.URIReceiptLinks)
	var stored domain.Record
	err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		if upsert {
			if _, ok := tx.Find(cleaned.Type, cleaned.ID); ok {
				stored, err = tx.Update(cleaned)
				return err
			}
		}
		stored, err = tx.Create(cleaned)
		return err
	})
	return stored, err
}

// resolveOwner determines the owning username for a record write. The owner
// tag and the linked identity must agree when both resolve; a reference
// through the shared sentinel resolves to no owner.
func (s *Service) resolveOwner(ctx context.Context, rec domain.Record) (string, error) {
	tag, _ := rec.Owner()
	var linked string
	switch {
	case rec.Type == domain.IdentityType:
		if username, ok := domain.UsernameFromIdentity(rec); ok {
			linked = username
		} else if rec.ID != "" {
			if existing, err := s.store.Get(ctx, domain.IdentityType, rec.ID); err == nil {
				linked, _ = domain.UsernameFromIdentity(existing)
			}
		}
	default:
		ref, ok := rec.IdentityRef()
		if ok {
			if ref.ID == domain.SharedOwnerSentinel {
				if tag != "" {
					return "", domain.Unprocessablef("record tagged to %q references the shared sentinel", tag)
				}
				return "", nil
			}
			if identity, err := s.store.Get(ctx, domain.IdentityType, ref.ID); err == nil {
				linked, _ = domain.UsernameFromIdentity(identity)
			}
		}
	}
	if tag != "" && linked != "" && tag != linked {
		return "", domain.Unprocessablef("record owner %q conflicts with linked identity owner %q", tag, linked)
	}
	if tag != "" {
		return tag, nil
	}
	return linked, nil
}

// resolveBatchOwner scans batch entries for the owning account: an identity
// entry wins, otherwise the first entry resolving an owner decides.
func (s *Service) resolveBatchOwner(ctx context.Context, env domain.Envelope) (username, sourceIdentityID string, err error) {
	for _, entry := range env.Entries {
		rec := *entry.Resource
		if rec.Type != domain.IdentityType {
			continue
		}
		owner, err := s.resolveOwner(ctx, rec)
		if err != nil {
			return "", "", err
		}
		if owner == "" {
			return "", "", domain.Unprocessablef("identity entry missing a username identifier")
		}
		id := rec.ID
		if entry.Target != "" {
			if ref, perr := domain.ParseRef(entry.Target); perr == nil && ref.Type == domain.IdentityType {
				id = ref.ID
			}
		}
		return owner, id, nil
	}
	for _, entry := range env.Entries {
		if s.shared.Contains(entry.Resource.Type) {
			continue
		}
		owner, err := s.resolveOwner(ctx, *entry.Resource)
		if err != nil {
			return "", "", err
		}
		if owner != "" {
			return owner, "", nil
		}
		return "", "", domain.Unprocessablef("cannot determine the owning account for %s entry", entry.Resource.Type)
	}
	return "", "", nil
}

// commitSharedBatch executes a batch touching only shared types: one commit,
// no receipt.
func (s *Service) commitSharedBatch(ctx context.Context, env domain.Envelope, source string) (domain.Envelope, error) {
	ec := entryContext{}
	err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		for _, entry := range env.Clone().Entries {
			entry.Stored = nil
			if _, err := s.stageEntry(tx, entry, domain.Ref{}, ec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Envelope{}, err
	}
	return ackEnvelope("", "", source), nil
}

// interceptWrite lands a direct create or update through a receipt: the
// account's open receipt for the same source when the batching window allows,
// a freshly synthesized one otherwise.
func (s *Service) interceptWrite(ctx context.Context, rec domain.Record, verb domain.Verb, username string, provision bool, targetID string) (domain.Record, error) {
	identity, err := s.ensureAccount(ctx, username, provision, targetID)
	if err != nil {
		return domain.Record{}, err
	}
	source := rec.Meta.Source

	snapshot := rec.Clone()
	snapshot.Version = 0
	entry := domain.Entry{Resource: &snapshot, Verb: verb}
	if verb == domain.VerbUpdate && rec.ID != "" {
		entry.Target = domain.Ref{Type: rec.Type, ID: rec.ID}.String()
	}

	bundleID, working, open, err := s.openReceipt(ctx, identity.ID, source)
	if err != nil {
		return domain.Record{}, err
	}
	if !open {
		header := domain.Header{Event: domain.ReceiptEvent, Source: source, Account: username}
		headerEntry := header.Record()
		working = domain.Envelope{Kind: domain.EnvelopeMessage, Entries: []domain.Entry{{Resource: &headerEntry}}}
		bundleRec, headerRec, err := s.beginReceipt(ctx, &working, header, identity.ID)
		if err != nil {
			return domain.Record{}, err
		}
		working.Entries = append(working.Entries, entry)
		stored, err := s.stageAppendedEntry(ctx, &working, bundleRec.ID, identity.ID, username)
		if err != nil {
			s.discardReceiptShell(ctx, bundleRec.ID, headerRec.ID)
			return domain.Record{}, err
		}
		s.logger.Debug("write opened receipt", "username", username, "bundle", bundleRec.ID, "record", stored.Ref().String())
		return stored, nil
	}

	working.Entries = append(working.Entries, entry)
	stored, err := s.stageAppendedEntry(ctx, &working, bundleID, identity.ID, username)
	if err != nil {
		return domain.Record{}, err
	}
	s.logger.Debug("write joined receipt", "username", username, "bundle", bundleID, "record", stored.Ref().String())
	return stored, nil
}

// stageAppendedEntry commits the last entry of the working envelope, patches
// its back-link, and rewrites the bundle.
func (s *Service) stageAppendedEntry(ctx context.Context, working *domain.Envelope, bundleID, identityID, username string) (domain.Record, error) {
	idx := len(working.Entries) - 1
	ec := entryContext{identityID: identityID, username: username}
	bundleRef := domain.Ref{Type: domain.BundleType, ID: bundleID}
	var stored domain.Record
	err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		stored, err = s.stageEntry(tx, working.Entries[idx], bundleRef, ec)
		return err
	})
	if err != nil {
		return domain.Record{}, err
	}
	if stored.Type != working.Entries[idx].Resource.Type {
		return domain.Record{}, domain.Internalf("committed entry is %s, submitted %s", stored.Type, working.Entries[idx].Resource.Type)
	}
	ref := stored.Ref()
	working.Entries[idx].Stored = &ref
	s.patchBundle(ctx, bundleID, *working)
	return stored, nil
}

// openReceipt finds the account's most recent receipt from the same source
// and returns its decoded envelope when younger than the batching window.
func (s *Service) openReceipt(ctx context.Context, identityID, source string) (string, domain.Envelope, bool, error) {
	if s.window <= 0 {
		return "", domain.Envelope{}, false, nil
	}
	headers, err := s.store.HeadersForIdentity(ctx, identityID)
	if err != nil {
		return "", domain.Envelope{}, false, err
	}
	now := s.now()
	for i := len(headers) - 1; i >= 0; i-- {
		header, err := domain.HeaderFromRecord(headers[i])
		if err != nil || header.Source != source {
			continue
		}
		bundleRef, ok := header.FocusBundle()
		if !ok {
			return "", domain.Envelope{}, false, nil
		}
		bundleRec, err := s.store.Get(ctx, bundleRef.Type, bundleRef.ID)
		if err != nil {
			// Receipt was deleted; its header should be gone too.
			return "", domain.Envelope{}, false, nil
		}
		if now.Sub(bundleRec.Meta.LastUpdated) > s.window {
			return "", domain.Envelope{}, false, nil
		}
		env, err := domain.DecodeEnvelope(bundleRec)
		if err != nil {
			s.logger.Warn("open receipt undecodable", "bundle", bundleRef.ID, "error", err)
			return "", domain.Envelope{}, false, nil
		}
		return bundleRef.ID, env, true, nil
	}
	return "", domain.Envelope{}, false, nil
}

// locateBatchBundle resolves the receipt bundle a committed batch landed in
// through the newest link of its first owned entry.
func (s *Service) locateBatchBundle(ctx context.Context, working domain.Envelope) (string, error) {
	for _, entry := range working.Entries[1:] {
		if entry.Stored == nil || s.shared.Contains(entry.Stored.Type) {
			continue
		}
		rec, err := s.store.Get(ctx, entry.Stored.Type, entry.Stored.ID)
		if err != nil {
			return "", err
		}
		links := rec.Links()
		if len(links) == 0 {
			return "", domain.Internalf("record %s committed without receipt links", rec.Ref())
		}
		return links[len(links)-1].ID, nil
	}
	return "", nil
}
