package query

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"OptionLedger/internal/token"
)

// QueryService provides read-only access to the projection tables.
// All responses include as_of_sequence so callers can reason about
// projection freshness relative to the event log.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetBalance returns a holder's balance for one asset. Missing rows
// read as zero: an address that never transacted has a zero balance,
// not an error.
func (qs *QueryService) GetBalance(
	ctx context.Context,
	account common.Address,
	asset string,
) (*BalanceResponse, error) {
	assetID, ok := token.GetAssetID(asset)
	if !ok {
		return nil, fmt.Errorf("unknown asset %q", asset)
	}

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	path := token.HolderKey(account, assetID).AccountPath()
	raw, err := qs.getProjectedBalance(ctx, path)
	if err != nil {
		return nil, err
	}

	dec, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("balance %q for %s: %w", raw, path, err)
	}

	return &BalanceResponse{
		Account:        account.Hex(),
		Asset:          asset,
		Balance:        raw,
		BalanceDecimal: dec.Shift(-18),
		AsOfSequence:   asOfSeq,
	}, nil
}

// GetSupply returns total supply and the sink-parked portion for an
// asset. Total supply is the negated issuance balance, which includes
// everything parked at the sink address.
func (qs *QueryService) GetSupply(ctx context.Context, asset string) (*SupplyResponse, error) {
	assetID, ok := token.GetAssetID(asset)
	if !ok {
		return nil, fmt.Errorf("unknown asset %q", asset)
	}

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	issuanceRaw, err := qs.getProjectedBalance(ctx, token.IssuanceKey(assetID).AccountPath())
	if err != nil {
		return nil, err
	}
	sinkRaw, err := qs.getProjectedBalance(ctx, token.HolderKey(token.SinkAddress, assetID).AccountPath())
	if err != nil {
		return nil, err
	}

	issuance, err := decimal.NewFromString(issuanceRaw)
	if err != nil {
		return nil, fmt.Errorf("issuance balance %q: %w", issuanceRaw, err)
	}
	total := issuance.Neg()

	return &SupplyResponse{
		Asset:        asset,
		TotalSupply:  total.String(),
		SinkBalance:  sinkRaw,
		TotalDecimal: total.Shift(-18),
		AsOfSequence: asOfSeq,
	}, nil
}

// GetSettlements returns completed redemptions, newest first, with
// cursor pagination on the event sequence. Either filter may be nil.
func (qs *QueryService) GetSettlements(
	ctx context.Context,
	caller *common.Address,
	optionID *int64,
	limit int,
	beforeSequence *int64,
) ([]SettlementResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT request_id, sequence, option_id, caller, recipient,
		       amount::text, payment_amount::text, settled_at
		FROM projections.settlement_history
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if caller != nil {
		query += fmt.Sprintf(" AND caller = $%d", argIdx)
		args = append(args, caller.Hex())
		argIdx++
	}

	if optionID != nil {
		query += fmt.Sprintf(" AND option_id = $%d", argIdx)
		args = append(args, *optionID)
		argIdx++
	}

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SettlementResponse
	for rows.Next() {
		var (
			r         SettlementResponse
			requestID string
			settledAt time.Time
		)
		r.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&requestID, &r.Sequence, &r.OptionID, &r.Caller, &r.Recipient,
			&r.Amount, &r.PaymentAmount, &settledAt,
		); err != nil {
			return nil, err
		}
		r.RequestID, err = uuid.Parse(requestID)
		if err != nil {
			return nil, fmt.Errorf("settlement request_id %q: %w", requestID, err)
		}
		r.AmountDecimal, err = decimal.NewFromString(r.Amount)
		if err != nil {
			return nil, err
		}
		r.AmountDecimal = r.AmountDecimal.Shift(-18)
		r.PaymentDecimal, err = decimal.NewFromString(r.PaymentAmount)
		if err != nil {
			return nil, err
		}
		r.PaymentDecimal = r.PaymentDecimal.Shift(-18)
		r.SettledAt = settledAt.UnixMilli()
		results = append(results, r)
	}

	return results, rows.Err()
}

// GetJournalHistory returns journal entries touching a holder, with
// cursor pagination.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	account common.Address,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("holder:%s:%%", account.Hex())

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       from_account, to_account, asset_id, amount::text, journal_type, timestamp
		FROM event_log.journal
		WHERE (from_account LIKE $1 OR to_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.FromAccount, &e.ToAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain and global balance invariants.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	// Check hash chain continuity
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence, e1.prev_hash, e2.state_hash
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var prevHash, expectedHash []byte
		if err := rows.Scan(&seq, &prevHash, &expectedHash); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}

	// Check global balance (should sum to zero across all accounts per asset)
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance)::text as total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var assetID uint16
		var total string
		if err := balanceRows.Scan(&assetID, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			AssetID:   assetID,
			Imbalance: total,
		})
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath string) (string, error) {
	var balance string
	err := qs.db.QueryRowContext(ctx, `
		SELECT balance::text FROM projections.balances
		WHERE account_path = $1
	`, accountPath).Scan(&balance)
	if err == sql.ErrNoRows {
		return "0", nil
	}
	if err != nil {
		return "", err
	}
	return balance, nil
}
