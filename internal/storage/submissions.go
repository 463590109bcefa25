package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	selectSubmitterProfileSQL = `SELECT
        s.submission_count,
        s.last_submission_at,
        ARRAY(SELECT c.contract_key FROM submitter_contracts c WHERE c.submitter_id = s.submitter_id)
    FROM submitters s
    WHERE s.submitter_id = $1;`

	ensureSubmitterSQL = `INSERT INTO submitters (submitter_id) VALUES ($1)
    ON CONFLICT (submitter_id) DO NOTHING;`

	lockSubmitterSQL = `SELECT submission_count, last_submission_at
    FROM submitters
    WHERE submitter_id = $1
    FOR UPDATE;`

	submittedContractSQL = `SELECT EXISTS (
        SELECT 1 FROM submitter_contracts WHERE submitter_id = $1 AND contract_key = $2
    );`

	insertSubmitterContractSQL = `INSERT INTO submitter_contracts (submitter_id, contract_key, submitted_at)
    VALUES ($1, $2, $3);`

	upsertContractSQL = `INSERT INTO contract_submissions (
        contract_key,
        call_count,
        source_tag,
        model_tag,
        first_caller_id,
        first_called_at,
        first_market_cap,
        first_domain
    ) VALUES (
        $1, 1, $2, $3, $4, $5, $6, $7
    )
    ON CONFLICT (contract_key) DO UPDATE
    SET call_count = contract_submissions.call_count + 1
    RETURNING
        contract_key,
        call_count,
        source_tag,
        model_tag,
        first_caller_id,
        first_called_at,
        first_market_cap::text,
        first_domain,
        (xmax = 0) AS created;`

	insertCallerSQL = `INSERT INTO caller_records (
        id,
        contract_key,
        submitter_id,
        called_at,
        market_cap,
        domain
    ) VALUES (
        $1, $2, $3, $4, $5, $6
    );`

	advanceSubmitterSQL = `UPDATE submitters
    SET submission_count = submission_count + 1,
        last_submission_at = GREATEST(COALESCE(last_submission_at, $2), $2)
    WHERE submitter_id = $1;`

	selectContractSQL = `SELECT
        contract_key,
        call_count,
        source_tag,
        model_tag,
        first_caller_id,
        first_called_at,
        first_market_cap::text,
        first_domain
    FROM contract_submissions
    WHERE contract_key = $1;`

	listLatestCallersSQL = `SELECT
        id,
        contract_key,
        submitter_id,
        called_at,
        market_cap::text,
        domain
    FROM caller_records
    WHERE contract_key = $1
    ORDER BY called_at DESC, seq DESC
    LIMIT $2;`

	countMissingMarketCapsSQL = `SELECT
        (SELECT COUNT(*) FROM caller_records WHERE contract_key = $1 AND market_cap IS NULL)
      + (SELECT COUNT(*) FROM contract_submissions WHERE contract_key = $1 AND first_market_cap IS NULL);`

	fillCallerMarketCapSQL = `UPDATE caller_records
    SET market_cap = $2
    WHERE contract_key = $1 AND market_cap IS NULL;`

	fillContractMarketCapSQL = `UPDATE contract_submissions
    SET first_market_cap = $2
    WHERE contract_key = $1 AND first_market_cap IS NULL;`

	listContractsMissingMarketCapSQL = `SELECT contract_key FROM contract_submissions WHERE first_market_cap IS NULL
    UNION
    SELECT contract_key FROM caller_records WHERE market_cap IS NULL
    ORDER BY contract_key
    LIMIT $1;`
)

// GetSubmitterProfile loads a submitter profile with its submitted set.
func (s *Store) GetSubmitterProfile(ctx context.Context, submitterID string) (*SubmitterProfile, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	profile := &SubmitterProfile{SubmitterID: submitterID}
	var keys []string
	err = pool.QueryRow(ctx, selectSubmitterProfileSQL, submitterID).Scan(
		&profile.SubmissionCount,
		&profile.LastSubmissionAt,
		&keys,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get submitter profile: %w", err)
	}

	profile.Contracts = make(map[string]struct{}, len(keys))
	for _, key := range keys {
		profile.Contracts[key] = struct{}{}
	}
	return profile, nil
}

// RecordSubmission applies a submission atomically. The submitter row is
// locked for the duration so duplicate and cooldown checks cannot race.
func (s *Store) RecordSubmission(ctx context.Context, params SubmissionParams) (SubmissionOutcome, error) {
	pool, err := s.getPool()
	if err != nil {
		return SubmissionOutcome{}, err
	}

	var out SubmissionOutcome
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, ensureSubmitterSQL, params.SubmitterID); err != nil {
			return fmt.Errorf("ensure submitter: %w", err)
		}

		profile := &SubmitterProfile{SubmitterID: params.SubmitterID}
		if err := tx.QueryRow(ctx, lockSubmitterSQL, params.SubmitterID).Scan(&profile.SubmissionCount, &profile.LastSubmissionAt); err != nil {
			return fmt.Errorf("lock submitter: %w", err)
		}

		var already bool
		if err := tx.QueryRow(ctx, submittedContractSQL, params.SubmitterID, params.ContractKey).Scan(&already); err != nil {
			return fmt.Errorf("check submitted contract: %w", err)
		}
		if already {
			profile.Contracts = map[string]struct{}{params.ContractKey: {}}
		}

		if err := CheckSubmission(profile, params.ContractKey, params.CalledAt, params.Cooldown); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, insertSubmitterContractSQL, params.SubmitterID, params.ContractKey, params.CalledAt); err != nil {
			return fmt.Errorf("insert submitter contract: %w", err)
		}

		row := tx.QueryRow(ctx, upsertContractSQL,
			params.ContractKey,
			params.SourceTag,
			nullableString(params.ModelTag),
			params.SubmitterID,
			params.CalledAt,
			nullableDecimal(params.MarketCap),
			nullableString(params.Domain),
		)
		contract, created, err := scanContract(row, true)
		if err != nil {
			return fmt.Errorf("upsert contract: %w", err)
		}

		caller := CallerRecord{
			ID:          uuid.New(),
			ContractKey: params.ContractKey,
			SubmitterID: params.SubmitterID,
			CalledAt:    params.CalledAt,
			MarketCap:   params.MarketCap,
			Domain:      params.Domain,
		}
		if _, err := tx.Exec(ctx, insertCallerSQL,
			caller.ID,
			caller.ContractKey,
			caller.SubmitterID,
			caller.CalledAt,
			nullableDecimal(caller.MarketCap),
			nullableString(caller.Domain),
		); err != nil {
			return fmt.Errorf("insert caller record: %w", err)
		}

		if _, err := tx.Exec(ctx, advanceSubmitterSQL, params.SubmitterID, params.CalledAt); err != nil {
			return fmt.Errorf("advance submitter: %w", err)
		}

		out = SubmissionOutcome{Contract: contract, Caller: caller, Created: created}
		return nil
	})
	if err != nil {
		return SubmissionOutcome{}, err
	}
	return out, nil
}

// GetContract loads a contract submission by key.
func (s *Store) GetContract(ctx context.Context, contractKey string) (ContractSubmission, error) {
	pool, err := s.getPool()
	if err != nil {
		return ContractSubmission{}, err
	}

	contract, _, err := scanContract(pool.QueryRow(ctx, selectContractSQL, contractKey), false)
	if errors.Is(err, pgx.ErrNoRows) {
		return ContractSubmission{}, ErrNotFound
	}
	if err != nil {
		return ContractSubmission{}, fmt.Errorf("get contract: %w", err)
	}
	return contract, nil
}

// LatestCallers lists caller records newest first.
func (s *Store) LatestCallers(ctx context.Context, contractKey string, limit int) ([]CallerRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listLatestCallersSQL, contractKey, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list latest callers: %w", queryErr)
	}
	defer rows.Close()

	callers := make([]CallerRecord, 0, limit)
	for rows.Next() {
		var (
			rec    CallerRecord
			capStr *string
		)
		if err := rows.Scan(&rec.ID, &rec.ContractKey, &rec.SubmitterID, &rec.CalledAt, &capStr, &rec.Domain); err != nil {
			return nil, err
		}
		if rec.MarketCap, err = parseNullDecimal(capStr); err != nil {
			return nil, fmt.Errorf("parse caller market cap: %w", err)
		}
		callers = append(callers, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return callers, nil
}

// CountMissingMarketCaps counts null market caps on a contract and its callers.
func (s *Store) CountMissingMarketCaps(ctx context.Context, contractKey string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := pool.QueryRow(ctx, countMissingMarketCapsSQL, contractKey).Scan(&count); err != nil {
		return 0, fmt.Errorf("count missing market caps: %w", err)
	}
	return count, nil
}

// FillMissingMarketCap sets the market cap only where it is still null.
func (s *Store) FillMissingMarketCap(ctx context.Context, contractKey string, marketCap decimal.Decimal) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var updated int64
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, fillCallerMarketCapSQL, contractKey, marketCap.String())
		if err != nil {
			return fmt.Errorf("fill caller market caps: %w", err)
		}
		updated += tag.RowsAffected()

		tag, err = tx.Exec(ctx, fillContractMarketCapSQL, contractKey, marketCap.String())
		if err != nil {
			return fmt.Errorf("fill contract market cap: %w", err)
		}
		updated += tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// ListContractsMissingMarketCap lists contract keys that still need enrichment.
func (s *Store) ListContractsMissingMarketCap(ctx context.Context, limit int) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listContractsMissingMarketCapSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list contracts missing market cap: %w", queryErr)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect contract keys: %w", err)
	}
	return keys, nil
}

func scanContract(row pgx.Row, withCreated bool) (ContractSubmission, bool, error) {
	var (
		c       ContractSubmission
		capStr  *string
		created bool
		at      time.Time
	)
	dest := []interface{}{
		&c.ContractKey,
		&c.CallCount,
		&c.SourceTag,
		&c.ModelTag,
		&c.FirstCallerID,
		&at,
		&capStr,
		&c.FirstDomain,
	}
	if withCreated {
		dest = append(dest, &created)
	}
	if err := row.Scan(dest...); err != nil {
		return ContractSubmission{}, false, err
	}

	c.FirstCalledAt = at
	capValue, err := parseNullDecimal(capStr)
	if err != nil {
		return ContractSubmission{}, false, fmt.Errorf("parse first market cap: %w", err)
	}
	c.FirstMarketCap = capValue
	return c, created, nil
}
