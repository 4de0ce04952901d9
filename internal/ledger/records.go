package ledger

import (
	"context"

	"healthcore/pkg/domain"
)

// GetRecord returns the live record.
func (s *Service) GetRecord(ctx context.Context, typ, id string) (domain.Record, error) {
	var rec domain.Record
	err := s.observe(ctx, "get_record", func(ctx context.Context) error {
		var err error
		rec, err = s.store.Get(ctx, typ, id)
		return err
	})
	return rec, err
}

// GetRecordVersion returns a historical version of a record identity. History
// remains readable after the live record is deleted.
func (s *Service) GetRecordVersion(ctx context.Context, typ, id string, version int) (domain.Record, error) {
	var rec domain.Record
	err := s.observe(ctx, "get_record_version", func(ctx context.Context) error {
		var err error
		rec, err = s.store.GetVersion(ctx, typ, id, version)
		return err
	})
	return rec, err
}

// ListRecords returns the live records of a type, optionally filtered to one
// owning account.
func (s *Service) ListRecords(ctx context.Context, typ, owner string) ([]domain.Record, error) {
	var out []domain.Record
	err := s.observe(ctx, "list_records", func(ctx context.Context) error {
		recs, err := s.store.List(ctx, typ)
		if err != nil {
			return err
		}
		if owner == "" {
			out = recs
			return nil
		}
		out = out[:0]
		for _, rec := range recs {
			if tag, ok := rec.Owner(); ok && tag == owner {
				out = append(out, rec)
			}
		}
		return nil
	})
	return out, err
}
