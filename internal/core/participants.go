package core

import (
	"context"

	"agritrace/internal/archive"
	"agritrace/internal/participants"
	"agritrace/pkg/domain"
	"agritrace/pkg/tokenid"
)

// ParticipantLists returns the directory view of address.
func (s *Service) ParticipantLists(ctx context.Context, address string) (participants.Lists, error) {
	var lists participants.Lists
	err := s.run(ctx, opParticipantLists, subject{}, func(ctx context.Context) error {
		addr, err := domain.NormalizeAddress(address)
		if err != nil {
			return domain.Errorf(domain.CodeInvalidInput, "%v", err)
		}
		lists, err = s.directory.Lists(ctx, addr)
		if err != nil {
			return err
		}
		lists.Address = addr
		return nil
	})
	return lists, err
}

// DeregistrationReport summarises a deregistration.
type DeregistrationReport struct {
	Address        string   `json:"address"`
	ClearedBatches []string `json:"clearedBatches"`
}

// DeregisterParticipant removes address from the directory and clears every
// batch reference to it. History entries naming the address are kept.
func (s *Service) DeregisterParticipant(ctx context.Context, address string) (DeregistrationReport, error) {
	var report DeregistrationReport
	err := s.run(ctx, opDeregisterParticipant, subject{caller: domain.Caller{Address: address}}, func(ctx context.Context) error {
		addr, err := domain.NormalizeAddress(address)
		if err != nil {
			return domain.Errorf(domain.CodeInvalidInput, "%v", err)
		}
		report = DeregistrationReport{Address: addr, ClearedBatches: make([]string, 0)}
		if err := s.directory.Deregister(ctx, addr); err != nil {
			return err
		}
		seen := make(map[string]struct{})
		for _, index := range []domain.IndexName{domain.IndexFarmer, domain.IndexCertifier, domain.IndexRetailer} {
			batches, err := s.store.ListByIndex(ctx, index, addr)
			if err != nil {
				return err
			}
			for _, b := range batches {
				if _, ok := seen[b.BatchID]; ok {
					continue
				}
				seen[b.BatchID] = struct{}{}
				if err := s.clearReferences(ctx, b.BatchID, addr); err != nil {
					return err
				}
				report.ClearedBatches = append(report.ClearedBatches, b.BatchID)
			}
		}
		s.logger.Info("participant deregistered", "address", addr, "batches", len(report.ClearedBatches))
		return nil
	})
	return report, err
}

func (s *Service) clearReferences(ctx context.Context, batchID, addr string) error {
	release := s.locks.Lock(batchID)
	defer release()
	current, err := s.store.Get(ctx, batchID)
	if err != nil {
		return err
	}
	update := domain.BatchUpdate{
		ExpectStatus:   current.Status,
		ClearFarmer:    current.Farmer == addr,
		ClearCertifier: current.Certifier == addr,
		ClearRetailer:  current.Retailer == addr,
	}
	if !update.ClearFarmer && !update.ClearCertifier && !update.ClearRetailer {
		return nil
	}
	_, err = s.store.UpdateFields(ctx, batchID, update, nil)
	return err
}

// RebuildReport summarises a directory rebuild.
type RebuildReport struct {
	Batches int `json:"batches"`
	Entries int `json:"entries"`
}

// RebuildDirectory clears the directory and replays every batch history into
// it. The listing is taken after the reset, so a transition that commits
// concurrently is either replayed or records its own entry afterwards.
func (s *Service) RebuildDirectory(ctx context.Context) (RebuildReport, error) {
	var report RebuildReport
	err := s.run(ctx, opRebuildDirectory, subject{}, func(ctx context.Context) error {
		if err := s.directory.Reset(ctx); err != nil {
			return err
		}
		batches, err := s.store.ListAll(ctx, domain.SortOldestFirst)
		if err != nil {
			return err
		}
		for _, b := range batches {
			report.Batches++
			for _, entry := range b.History {
				list, ok := participants.ListForAction(entry.Action)
				if !ok {
					continue
				}
				if err := s.directory.AddToSet(ctx, entry.To, list, b.BatchID); err != nil {
					return err
				}
				report.Entries++
			}
		}
		s.logger.Info("participant directory rebuilt", "batches", report.Batches, "entries", report.Entries)
		return nil
	})
	return report, err
}

// ProvenanceRecords lists the archived transition documents of batchID. It is
// empty when no archive is configured.
func (s *Service) ProvenanceRecords(ctx context.Context, batchID string) ([]archive.Record, error) {
	var records []archive.Record
	id := tokenid.Normalize(batchID)
	err := s.run(ctx, opProvenanceRecords, subject{batchID: id}, func(ctx context.Context) error {
		if id == "" {
			return domain.Errorf(domain.CodeInvalidInput, "batch id is required")
		}
		if _, err := s.store.Get(ctx, id); err != nil {
			return err
		}
		records = make([]archive.Record, 0)
		if s.archive == nil {
			return nil
		}
		var err error
		records, err = s.archive.Records(ctx, id)
		return err
	})
	return records, err
}
