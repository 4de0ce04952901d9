package ledger

import (
	"context"

	"healthcore/pkg/domain"
)

// DeleteRecord removes a record. Receipt bundles roll back the write-set they
// produced; everything else is protected and requires the admin override,
// which deletes the live record in place without touching history or links.
func (s *Service) DeleteRecord(ctx context.Context, typ, id string, adminOverride bool) error {
	return s.observe(ctx, "delete_record", func(ctx context.Context) error {
		if typ == domain.BundleType {
			rec, err := s.store.Get(ctx, typ, id)
			if err != nil {
				return err
			}
			env, err := domain.DecodeEnvelope(rec)
			if err == nil && env.IsReceipt() {
				return s.deleteReceipt(ctx, rec, env)
			}
			if adminOverride {
				return s.plainDelete(ctx, typ, id)
			}
			return domain.Unprocessablef("bundle %s is not a receipt", id)
		}
		if adminOverride {
			return s.plainDelete(ctx, typ, id)
		}
		return domain.Unprocessablef("%s records are removed by deleting their receipts", typ)
	})
}

// plainDelete removes the live record, keeping its history.
func (s *Service) plainDelete(ctx context.Context, typ, id string) error {
	return s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, ok := tx.Find(typ, id); !ok {
			return domain.NotFoundf("%s/%s not found", typ, id)
		}
		return tx.Delete(typ, id)
	})
}

// rollbackAction is one planned step of a receipt deletion.
type rollbackAction struct {
	typ      string
	id       string
	restore  *domain.Record // nil means delete (or skeleton revert for identities)
	skeleton string         // username for an identity skeleton revert
}

// deleteReceipt undoes the write-set a receipt produced. For every committed
// entry still at the version this receipt wrote, the record reverts to the
// version recorded by its newest surviving receipt; with no survivor, clinical
// records delete and the identity reverts to a skeleton. Entries superseded
// by later writes are left alone. The header and bundle are removed with the
// reverts in one commit.
func (s *Service) deleteReceipt(ctx context.Context, bundleRec domain.Record, env domain.Envelope) error {
	header, _ := env.Header()
	bundleID := bundleRec.ID

	headerID, err := s.findHeaderID(ctx, env, header, bundleID)
	if err != nil {
		return err
	}

	var actions []rollbackAction
	for _, entry := range env.Entries[1:] {
		stored := entry.Stored
		if stored == nil || s.shared.Contains(stored.Type) {
			continue
		}
		live, err := s.store.Get(ctx, stored.Type, stored.ID)
		if err != nil {
			continue // already gone
		}
		if referencesSharedSentinel(live) {
			continue
		}
		if live.Version != stored.Version {
			continue // superseded by a later write
		}
		action, ok := s.planRollback(ctx, live, bundleID)
		if ok {
			actions = append(actions, action)
		}
	}

	err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		for _, action := range actions {
			if _, ok := tx.Find(action.typ, action.id); !ok {
				continue
			}
			switch {
			case action.restore != nil:
				restored := action.restore.Clone()
				restored.Version = 0
				if _, err := tx.Update(restored); err != nil {
					return err
				}
			case action.skeleton != "":
				skeleton := domain.NewSkeletonIdentity(action.skeleton)
				skeleton.ID = action.id
				if _, err := tx.Update(skeleton); err != nil {
					return err
				}
			default:
				if err := tx.Delete(action.typ, action.id); err != nil {
					return err
				}
			}
		}
		if headerID != "" {
			if _, ok := tx.Find(domain.HeaderType, headerID); ok {
				if err := tx.Delete(domain.HeaderType, headerID); err != nil {
					return err
				}
			}
		}
		if _, ok := tx.Find(domain.BundleType, bundleID); !ok {
			return domain.NotFoundf("receipt %s not found", bundleID)
		}
		return tx.Delete(domain.BundleType, bundleID)
	})
	if err != nil {
		return err
	}
	s.logger.Info("receipt deleted", "username", header.Account, "bundle", bundleID, "reverts", len(actions))
	return nil
}

// planRollback decides what happens to one record when the given receipt is
// deleted: restore the version its newest surviving receipt recorded, or
// remove it (skeleton revert for identities) when no receipt survives.
func (s *Service) planRollback(ctx context.Context, live domain.Record, bundleID string) (rollbackAction, bool) {
	links := live.Links()
	for i := len(links) - 1; i >= 0; i-- {
		link := links[i]
		if link.ID == bundleID {
			continue
		}
		survivor, err := s.store.Get(ctx, domain.BundleType, link.ID)
		if err != nil {
			continue // dangling link, tolerated
		}
		surEnv, err := domain.DecodeEnvelope(survivor)
		if err != nil {
			continue
		}
		idx, ok := surEnv.EntryFor(live.Type, live.ID)
		if !ok || surEnv.Entries[idx].Stored.Version <= 0 {
			continue
		}
		historical, err := s.store.GetVersion(ctx, live.Type, live.ID, surEnv.Entries[idx].Stored.Version)
		if err != nil {
			continue
		}
		return rollbackAction{typ: live.Type, id: live.ID, restore: &historical}, true
	}
	if live.Type == domain.IdentityType {
		username, ok := live.Owner()
		if !ok {
			username, ok = domain.UsernameFromIdentity(live)
		}
		if !ok {
			return rollbackAction{}, false
		}
		return rollbackAction{typ: live.Type, id: live.ID, skeleton: username}, true
	}
	return rollbackAction{typ: live.Type, id: live.ID}, true
}

// findHeaderID resolves the stored header of a receipt, falling back to the
// account's header list when the bundle's back-link was never patched.
func (s *Service) findHeaderID(ctx context.Context, env domain.Envelope, header domain.Header, bundleID string) (string, error) {
	if stored := env.Entries[0].Stored; stored != nil && stored.Type == domain.HeaderType {
		return stored.ID, nil
	}
	identity, found, err := s.store.FindIdentityByUsername(ctx, header.Account)
	if err != nil || !found {
		return "", err
	}
	headers, err := s.store.HeadersForIdentity(ctx, identity.ID)
	if err != nil {
		return "", err
	}
	for _, headerRec := range headers {
		h, err := domain.HeaderFromRecord(headerRec)
		if err != nil {
			continue
		}
		if bundle, ok := h.FocusBundle(); ok && bundle.ID == bundleID {
			return headerRec.ID, nil
		}
	}
	return "", nil
}
