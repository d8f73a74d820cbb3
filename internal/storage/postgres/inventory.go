package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cimillas/bookingflow/internal/domain"
	"github.com/cimillas/bookingflow/internal/inventory"
)

const opportunityColumns = `opportunity_type, id, seller_id, name, start_date, end_date,
    total_capacity, remaining_capacity, leased_capacity, offers, test_dataset_id`

func scanOpportunity(row pgx.Row, extra ...any) (domain.Opportunity, error) {
	var (
		opp    domain.Opportunity
		offers []byte
	)
	dest := append([]any{
		&opp.Type, &opp.ID, &opp.SellerID, &opp.Name, &opp.StartDate, &opp.EndDate,
		&opp.TotalCapacity, &opp.RemainingCapacity, &opp.LeasedCapacity, &offers, &opp.TestDatasetID,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return domain.Opportunity{}, err
	}
	if err := json.Unmarshal(offers, &opp.Offers); err != nil {
		return domain.Opportunity{}, fmt.Errorf("decode offers of %s: %w", opp.ID, err)
	}
	return opp, nil
}

func (s *Store) GetOpportunity(ctx context.Context, t domain.OpportunityType, id string, exclude domain.OrderIdentity) (domain.Opportunity, error) {
	query := `SELECT ` + opportunityColumns + ` FROM opportunities WHERE opportunity_type = $1 AND id = $2 AND NOT deleted`
	opp, err := scanOpportunity(s.queryRow(ctx, query, t, id))
	if err == pgx.ErrNoRows {
		return domain.Opportunity{}, domain.ErrUnknownOpportunity
	}
	if err != nil {
		return domain.Opportunity{}, fmt.Errorf("get %s %s: %w", t, id, err)
	}
	_, opp.LeasedCapacity, err = s.counts(ctx, unitKey{t, id}, exclude.Key())
	if err != nil {
		return domain.Opportunity{}, err
	}
	return opp, nil
}

// prepare locks the unit, validates the request and drops the order's
// existing lease holds on it.
func (s *Store) prepare(ctx context.Context, req inventory.UnitRequest) (domain.Opportunity, inventory.Outcome, error) {
	query := `SELECT ` + opportunityColumns + ` FROM opportunities
WHERE opportunity_type = $1 AND id = $2 AND NOT deleted FOR UPDATE`
	opp, err := scanOpportunity(s.queryRow(ctx, query, req.OpportunityType, req.OpportunityID))
	if err == pgx.ErrNoRows {
		return domain.Opportunity{}, inventory.OutcomeUnknownOpportunity, nil
	}
	if err != nil {
		return domain.Opportunity{}, 0, fmt.Errorf("lock %s %s: %w", req.OpportunityType, req.OpportunityID, err)
	}
	if opp.SellerID != req.SellerID {
		return opp, inventory.OutcomeSellerMismatch, nil
	}
	for _, item := range req.Items {
		offer, ok := opp.FindOffer(item.OfferID)
		if !ok || offer.NotBookable {
			return opp, inventory.OutcomeNotBookable, nil
		}
	}

	_, err = s.deleteItems(ctx, `
DELETE FROM order_items
WHERE order_key = $1 AND opportunity_type = $2 AND opportunity_id = $3 AND status = ''
RETURNING opportunity_type, opportunity_id`,
		req.Order.Key(), req.OpportunityType, req.OpportunityID)
	if err != nil {
		return opp, 0, err
	}
	return opp, inventory.OutcomeSuccess, nil
}

func (s *Store) insertItems(ctx context.Context, req inventory.UnitRequest) ([]string, error) {
	const stmt = `
INSERT INTO order_items (id, order_key, opportunity_type, opportunity_id, offer_id, ordered_item, accepted_offer, status, price, currency)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	ids := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		id := uuid.NewString()
		_, err := s.exec(ctx, stmt, id, req.Order.Key(), req.OpportunityType, req.OpportunityID,
			item.OfferID, item.OrderedItem, item.AcceptedOffer, req.Status, item.Price, item.Currency)
		if err != nil {
			return nil, fmt.Errorf("insert order item: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, s.recompute(ctx, unitKey{req.OpportunityType, req.OpportunityID})
}

func (s *Store) LeaseUnit(ctx context.Context, req inventory.UnitRequest) (inventory.LeaseResult, error) {
	var res inventory.LeaseResult
	err := s.WithTx(ctx, func(ctx context.Context) error {
		opp, outcome, err := s.prepare(ctx, req)
		if err != nil || outcome != inventory.OutcomeSuccess {
			res.Outcome = outcome
			return err
		}
		confirmed, leasedOthers, err := s.counts(ctx, unitKey{req.OpportunityType, req.OpportunityID}, req.Order.Key())
		if err != nil {
			return err
		}
		res = inventory.NewLeaseResult(opp.TotalCapacity-confirmed, leasedOthers, len(req.Items))
		if res.Outcome != inventory.OutcomeSuccess {
			return nil
		}
		_, err = s.insertItems(ctx, req)
		return err
	})
	return res, err
}

func (s *Store) BookUnit(ctx context.Context, req inventory.UnitRequest) (inventory.BookResult, error) {
	var res inventory.BookResult
	err := s.WithTx(ctx, func(ctx context.Context) error {
		opp, outcome, err := s.prepare(ctx, req)
		if err != nil || outcome != inventory.OutcomeSuccess {
			res.Outcome = outcome
			return err
		}
		confirmed, leasedOthers, err := s.counts(ctx, unitKey{req.OpportunityType, req.OpportunityID}, req.Order.Key())
		if err != nil {
			return err
		}
		if opp.TotalCapacity-confirmed-leasedOthers < len(req.Items) {
			res.Outcome = inventory.OutcomeInsufficientCapacity
			return nil
		}
		res.ItemIDs, err = s.insertItems(ctx, req)
		return err
	})
	return res, err
}

func (s *Store) CleanupUnits(ctx context.Context, order domain.OrderIdentity, t domain.OpportunityType, keep []string) error {
	if keep == nil {
		keep = []string{}
	}
	return s.WithTx(ctx, func(ctx context.Context) error {
		_, err := s.deleteItems(ctx, `
DELETE FROM order_items
WHERE order_key = $1 AND opportunity_type = $2 AND status = '' AND NOT (opportunity_id = ANY($3))
RETURNING opportunity_type, opportunity_id`,
			order.Key(), t, keep)
		return err
	})
}

func (s *Store) CreateTestOpportunity(ctx context.Context, datasetID string, opp domain.Opportunity) (domain.Opportunity, error) {
	offers, err := json.Marshal(opp.Offers)
	if err != nil {
		return domain.Opportunity{}, fmt.Errorf("encode offers: %w", err)
	}
	err = s.WithTx(ctx, func(ctx context.Context) error {
		modified, change, err := s.tick(ctx)
		if err != nil {
			return err
		}
		// A soft-deleted row with the same id is replaced.
		tag, err := s.exec(ctx, `
INSERT INTO opportunities (`+opportunityColumns+`, modified, change_number)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7, 0, $8, $9, $10, $11)
ON CONFLICT (opportunity_type, id) DO UPDATE SET
    seller_id = EXCLUDED.seller_id, name = EXCLUDED.name,
    start_date = EXCLUDED.start_date, end_date = EXCLUDED.end_date,
    total_capacity = EXCLUDED.total_capacity, remaining_capacity = EXCLUDED.remaining_capacity,
    leased_capacity = 0, offers = EXCLUDED.offers, test_dataset_id = EXCLUDED.test_dataset_id,
    modified = EXCLUDED.modified, change_number = EXCLUDED.change_number,
    deleted = FALSE, deleted_at = NULL
WHERE opportunities.deleted`,
			opp.Type, opp.ID, opp.SellerID, opp.Name, opp.StartDate, opp.EndDate,
			opp.TotalCapacity, offers, datasetID, modified, change)
		if err != nil {
			return fmt.Errorf("create opportunity: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.NewError(domain.KindInvalidRequest, "opportunity %s already exists", opp.ID)
		}
		return nil
	})
	if err != nil {
		return domain.Opportunity{}, err
	}

	opp.TestDatasetID = datasetID
	opp.RemainingCapacity = opp.TotalCapacity
	opp.LeasedCapacity = 0
	return opp, nil
}

func (s *Store) DeleteTestDataset(ctx context.Context, t domain.OpportunityType, datasetID string) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		rows, err := s.query(ctx, `
SELECT id FROM opportunities
WHERE opportunity_type = $1 AND test_dataset_id = $2 AND NOT deleted
ORDER BY id
FOR UPDATE`, t, datasetID)
		if err != nil {
			return fmt.Errorf("list dataset %s: %w", datasetID, err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("list dataset %s: %w", datasetID, err)
		}

		now := s.clock.Now()
		for _, id := range ids {
			modified, change, err := s.tick(ctx)
			if err != nil {
				return err
			}
			_, err = s.exec(ctx, `
UPDATE opportunities SET deleted = TRUE, deleted_at = $3, modified = $4, change_number = $5
WHERE opportunity_type = $1 AND id = $2`, t, id, now, modified, change)
			if err != nil {
				return fmt.Errorf("delete %s %s: %w", t, id, err)
			}
		}
		if len(ids) == 0 {
			return nil
		}
		_, err = s.deleteItems(ctx, `
DELETE FROM order_items
WHERE opportunity_type = $1 AND opportunity_id = ANY($2)
RETURNING opportunity_type, opportunity_id`, t, ids)
		return err
	})
}

func (s *Store) UpdateOpportunity(ctx context.Context, t domain.OpportunityType, id string, fn func(*domain.Opportunity)) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		query := `SELECT ` + opportunityColumns + ` FROM opportunities
WHERE opportunity_type = $1 AND id = $2 AND NOT deleted FOR UPDATE`
		opp, err := scanOpportunity(s.queryRow(ctx, query, t, id))
		if err == pgx.ErrNoRows {
			return domain.ErrUnknownOpportunity
		}
		if err != nil {
			return fmt.Errorf("lock %s %s: %w", t, id, err)
		}
		fn(&opp)
		offers, err := json.Marshal(opp.Offers)
		if err != nil {
			return fmt.Errorf("encode offers: %w", err)
		}
		modified, change, err := s.tick(ctx)
		if err != nil {
			return err
		}
		_, err = s.exec(ctx, `
UPDATE opportunities
SET name = $3, start_date = $4, end_date = $5, offers = $6, modified = $7, change_number = $8
WHERE opportunity_type = $1 AND id = $2`,
			t, id, opp.Name, opp.StartDate, opp.EndDate, offers, modified, change)
		if err != nil {
			return fmt.Errorf("update %s %s: %w", t, id, err)
		}
		return nil
	})
}
