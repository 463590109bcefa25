package storage

import (
	"context"
	"fmt"
	"time"
)

const (
	tagMemberSQL = `INSERT INTO members (member_id, badges)
    VALUES ($1, ARRAY[$2::text])
    ON CONFLICT (member_id) DO UPDATE
    SET badges = array_append(members.badges, $2::text),
        updated_at = NOW()
    WHERE NOT ($2::text = ANY (members.badges));`

	listMembersSQL = `SELECT
        member_id,
        wallet,
        is_holder,
        is_dao_member,
        points,
        points_today,
        last_reset_date,
        badges
    FROM members
    ORDER BY member_id;`

	applyDailyAwardSQL = `UPDATE members
    SET is_holder       = $2,
        is_dao_member   = $2,
        points          = points + $3,
        points_today    = $3,
        last_reset_date = $4::date,
        updated_at      = NOW()
    WHERE member_id = $1
      AND (last_reset_date IS NULL OR last_reset_date <= $4::date);`

	resetDailyCountersSQL = `UPDATE members
    SET points_today    = 0,
        last_reset_date = $1::date,
        updated_at      = NOW()
    WHERE last_reset_date IS NULL OR last_reset_date < $1::date;`

	claimRewardRunSQL = `INSERT INTO reward_runs (id, run_date, kind, started_at)
    VALUES ($1, $2::date, $3, $4)
    ON CONFLICT (run_date, kind) DO NOTHING;`

	releaseRewardRunSQL = `DELETE FROM reward_runs
    WHERE id = $1 AND run_date = $2::date AND kind = $3 AND finished_at IS NULL;`

	completeRewardRunSQL = `UPDATE reward_runs
    SET finished_at    = $3,
        processed      = $4,
        awarded        = $5,
        failed         = $6,
        points_awarded = $7
    WHERE run_date = $1::date AND kind = $2;`
)

// TagMember adds a badge to a member, creating the member when missing.
// Tagging twice with the same badge changes nothing.
func (s *Store) TagMember(ctx context.Context, memberID, badge string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, tagMemberSQL, memberID, badge); err != nil {
		return fmt.Errorf("tag member: %w", err)
	}
	return nil
}

// ListMembers returns every member account.
func (s *Store) ListMembers(ctx context.Context) ([]MemberAccount, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listMembersSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list members: %w", queryErr)
	}
	defer rows.Close()

	members := make([]MemberAccount, 0)
	for rows.Next() {
		var m MemberAccount
		if err := rows.Scan(
			&m.MemberID,
			&m.Wallet,
			&m.IsHolder,
			&m.IsDAOMember,
			&m.Points,
			&m.PointsToday,
			&m.LastResetDate,
			&m.Badges,
		); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return members, nil
}

// ApplyDailyAward persists the holder pass for one member. It reports false
// when the member's reset marker is already past the award day.
func (s *Store) ApplyDailyAward(ctx context.Context, award DailyAward) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, applyDailyAwardSQL, award.MemberID, award.Holding, award.Award, award.Day)
	if err != nil {
		return false, fmt.Errorf("apply daily award: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetDailyCounters zeroes daily counters not yet reset for day.
func (s *Store) ResetDailyCounters(ctx context.Context, day time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, resetDailyCountersSQL, day)
	if err != nil {
		return 0, fmt.Errorf("reset daily counters: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ClaimRewardRun inserts the run marker; false means the day is already claimed.
func (s *Store) ClaimRewardRun(ctx context.Context, run RewardRun) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, claimRewardRunSQL, run.ID, run.RunDate, string(run.Kind), run.StartedAt)
	if err != nil {
		return false, fmt.Errorf("claim reward run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseRewardRun drops an unfinished claim so the day can run again.
func (s *Store) ReleaseRewardRun(ctx context.Context, run RewardRun) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, releaseRewardRunSQL, run.ID, run.RunDate, string(run.Kind)); err != nil {
		return fmt.Errorf("release reward run: %w", err)
	}
	return nil
}

// CompleteRewardRun stores the final counts of a claimed run.
func (s *Store) CompleteRewardRun(ctx context.Context, run RewardRun) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	finished := time.Now().UTC()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	if _, err := pool.Exec(ctx, completeRewardRunSQL,
		run.RunDate,
		string(run.Kind),
		finished,
		run.Processed,
		run.Awarded,
		run.Failed,
		run.PointsAwarded,
	); err != nil {
		return fmt.Errorf("complete reward run: %w", err)
	}
	return nil
}
