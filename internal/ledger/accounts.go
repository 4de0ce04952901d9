package ledger

import (
	"context"

	"healthcore/pkg/domain"
)

// CreateAccount provisions an account: a skeleton identity record carrying the
// username identifier and owner tag. A non-empty targetID pins the identity
// record id, otherwise the store assigns one. Conflict when the username is
// already taken or the target id is occupied.
func (s *Service) CreateAccount(ctx context.Context, username, targetID string) (domain.Record, error) {
	var created domain.Record
	err := s.observe(ctx, "create_account", func(ctx context.Context) error {
		if username == "" {
			return domain.Unprocessablef("account username required")
		}
		if _, found, err := s.store.FindIdentityByUsername(ctx, username); err != nil {
			return err
		} else if found {
			return domain.Conflictf("account %q already exists", username)
		}
		skeleton := domain.NewSkeletonIdentity(username)
		skeleton.ID = targetID
		err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			var err error
			created, err = tx.Create(skeleton)
			return err
		})
		if err != nil {
			return err
		}
		s.logger.Info("account created", "username", username, "identity", created.ID)
		return nil
	})
	return created, err
}

// ensureAccount resolves the identity record for a username, provisioning a
// skeleton when allowCreate is set and the account does not exist yet.
func (s *Service) ensureAccount(ctx context.Context, username string, allowCreate bool, targetID string) (domain.Record, error) {
	if username == "" {
		return domain.Record{}, domain.Unprocessablef("account username required")
	}
	identity, found, err := s.store.FindIdentityByUsername(ctx, username)
	if err != nil {
		return domain.Record{}, err
	}
	if found {
		return identity, nil
	}
	if !allowCreate {
		return domain.Record{}, domain.Unprocessablef("no account for username %q", username)
	}
	skeleton := domain.NewSkeletonIdentity(username)
	skeleton.ID = targetID
	var created domain.Record
	err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		created, err = tx.Create(skeleton)
		return err
	})
	if err != nil {
		return domain.Record{}, err
	}
	s.logger.Info("account provisioned", "username", username, "identity", created.ID)
	return created, nil
}

// DeleteAccount removes everything the account consists of in one atomic
// commit: the identity record, every record owned by the account, and the
// account's receipt headers and bundles. Shared records are never touched.
func (s *Service) DeleteAccount(ctx context.Context, username string) error {
	return s.observe(ctx, "delete_account", func(ctx context.Context) error {
		identity, found, err := s.store.FindIdentityByUsername(ctx, username)
		if err != nil {
			return err
		}
		if !found {
			return domain.NotFoundf("account %q not found", username)
		}
		owned, err := s.store.RecordsOwnedBy(ctx, username)
		if err != nil {
			return err
		}
		headers, err := s.store.HeadersForIdentity(ctx, identity.ID)
		if err != nil {
			return err
		}

		targets := []domain.Ref{{Type: identity.Type, ID: identity.ID}}
		for _, rec := range owned {
			targets = append(targets, domain.Ref{Type: rec.Type, ID: rec.ID})
		}
		for _, headerRec := range headers {
			targets = append(targets, domain.Ref{Type: headerRec.Type, ID: headerRec.ID})
			header, err := domain.HeaderFromRecord(headerRec)
			if err != nil {
				continue
			}
			if bundle, ok := header.FocusBundle(); ok {
				targets = append(targets, bundle)
			}
		}

		err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			seen := make(map[domain.Ref]struct{}, len(targets))
			for _, ref := range targets {
				key := domain.Ref{Type: ref.Type, ID: ref.ID}
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				if _, ok := tx.Find(key.Type, key.ID); !ok {
					continue
				}
				if err := tx.Delete(key.Type, key.ID); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		s.logger.Info("account deleted", "username", username, "records", len(targets))
		return nil
	})
}

// RebuildAccount reconstructs the account's clinical state from its retained
// receipts: every owned record is wiped, the identity reverts to a skeleton at
// its original id, and the surviving receipt bundles replay oldest first.
// Receipts whose bundle no longer exists are skipped.
func (s *Service) RebuildAccount(ctx context.Context, username string) error {
	return s.observe(ctx, "rebuild_account", func(ctx context.Context) error {
		identity, found, err := s.store.FindIdentityByUsername(ctx, username)
		if err != nil {
			return err
		}
		if !found {
			return domain.NotFoundf("account %q not found", username)
		}
		headers, err := s.store.HeadersForIdentity(ctx, identity.ID)
		if err != nil {
			return err
		}

		// Collect replayable receipts before mutating anything.
		type replay struct {
			bundleID string
			env      domain.Envelope
		}
		var replays []replay
		for _, headerRec := range headers {
			header, err := domain.HeaderFromRecord(headerRec)
			if err != nil {
				continue
			}
			bundleRef, ok := header.FocusBundle()
			if !ok {
				continue
			}
			bundleRec, err := s.store.Get(ctx, bundleRef.Type, bundleRef.ID)
			if err != nil {
				s.logger.Warn("rebuild skipping missing bundle", "username", username, "bundle", bundleRef.ID)
				continue
			}
			env, err := domain.DecodeEnvelope(bundleRec)
			if err != nil {
				s.logger.Warn("rebuild skipping undecodable bundle", "username", username, "bundle", bundleRef.ID, "error", err)
				continue
			}
			replays = append(replays, replay{bundleID: bundleRef.ID, env: env})
		}

		owned, err := s.store.RecordsOwnedBy(ctx, username)
		if err != nil {
			return err
		}
		err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			for _, rec := range owned {
				if rec.Type == domain.IdentityType && rec.ID == identity.ID {
					continue
				}
				if err := tx.Delete(rec.Type, rec.ID); err != nil {
					return err
				}
			}
			skeleton := domain.NewSkeletonIdentity(username)
			skeleton.ID = identity.ID
			_, err := tx.Update(skeleton)
			return err
		})
		if err != nil {
			return err
		}

		for _, r := range replays {
			working := r.env.Clone()
			bundleRef := domain.Ref{Type: domain.BundleType, ID: r.bundleID}
			if err := s.stageEnvelope(ctx, &working, bundleRef, identity.ID, username); err != nil {
				s.logger.Warn("rebuild replay failed", "username", username, "bundle", r.bundleID, "error", err)
				continue
			}
			s.patchBundle(ctx, r.bundleID, working)
		}
		s.logger.Info("account rebuilt", "username", username, "receipts", len(replays))
		return nil
	})
}
