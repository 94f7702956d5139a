package sqlstore

import (
	"context"
	"fmt"

	"github.com/meridianhq/meridian/internal/storage"
	"github.com/meridianhq/meridian/internal/types"
)

// statisticColumn maps a status to the lifetime counter it increments.
// RECEIVED is counted at insert, not through a transition.
func statisticColumn(status types.Status) string {
	switch status {
	case types.StatusFiltered:
		return "FILTERED"
	case types.StatusTransformed:
		return "TRANSFORMED"
	case types.StatusPending:
		return "PENDING"
	case types.StatusSent:
		return "SENT"
	case types.StatusError:
		return "ERROR"
	case types.StatusQueued:
		return "QUEUED"
	}
	return ""
}

func ensureStatisticsRow(ctx context.Context, q dbtx, d Dialect, suffix string, metaDataID int) error {
	_, err := q.ExecContext(ctx,
		d.InsertIgnore()+" "+statisticsTable(suffix)+
			" (METADATA_ID, RECEIVED, FILTERED, TRANSFORMED, PENDING, SENT, ERROR, QUEUED) VALUES (?, 0, 0, 0, 0, 0, 0, 0)",
		metaDataID)
	if err != nil {
		return classify(fmt.Sprintf("failed to seed statistics row %d", metaDataID), err)
	}
	return nil
}

func bumpStatistic(ctx context.Context, q dbtx, suffix string, metaDataID int, column string, delta int64) error {
	_, err := q.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s = %s + ? WHERE METADATA_ID = ?", statisticsTable(suffix), column, column),
		delta, metaDataID)
	if err != nil {
		return classify(fmt.Sprintf("failed to update %s statistic", column), err)
	}
	return nil
}

// GetStatistics returns the per-connector counters for a channel plus a
// synthesized aggregate row with MetaDataID -1.
func (s *SQLStore) GetStatistics(ctx context.Context, channelID string) ([]*types.ChannelStatistics, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	suffix, err := storage.TableSuffix(channelID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT METADATA_ID, RECEIVED, FILTERED, TRANSFORMED, PENDING, SENT, ERROR, QUEUED FROM `+
			statisticsTable(suffix)+` ORDER BY METADATA_ID`)
	if err != nil {
		return nil, classify(fmt.Sprintf("failed to load statistics for channel %s", channelID), err)
	}
	defer func() { _ = rows.Close() }()

	aggregate := &types.ChannelStatistics{ChannelID: channelID, MetaDataID: -1}
	stats := []*types.ChannelStatistics{aggregate}
	for rows.Next() {
		st := &types.ChannelStatistics{ChannelID: channelID}
		if err := rows.Scan(&st.MetaDataID, &st.Received, &st.Filtered, &st.Transformed, &st.Pending,
			&st.Sent, &st.Errored, &st.Queued); err != nil {
			return nil, fmt.Errorf("failed to scan statistics row: %w", err)
		}
		stats = append(stats, st)
		aggregate.Received += st.Received
		aggregate.Filtered += st.Filtered
		aggregate.Transformed += st.Transformed
		aggregate.Pending += st.Pending
		aggregate.Sent += st.Sent
		aggregate.Errored += st.Errored
		aggregate.Queued += st.Queued
	}
	return stats, rows.Err()
}

// ResetStatistics zeroes the counters for the given metadata IDs, or for
// every connector when metaDataIDs is empty.
func (s *SQLStore) ResetStatistics(ctx context.Context, channelID string, metaDataIDs []int) error {
	if err := s.guard(); err != nil {
		return err
	}
	suffix, err := storage.TableSuffix(channelID)
	if err != nil {
		return err
	}
	stmt := `UPDATE ` + statisticsTable(suffix) +
		` SET RECEIVED = 0, FILTERED = 0, TRANSFORMED = 0, PENDING = 0, SENT = 0, ERROR = 0, QUEUED = 0`
	var args []any
	if len(metaDataIDs) > 0 {
		stmt += ` WHERE METADATA_ID IN (` + placeholders(len(metaDataIDs)) + `)`
		for _, id := range metaDataIDs {
			args = append(args, id)
		}
	}
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("failed to reset statistics for channel %s: %w", channelID, err)
	}
	return nil
}

// placeholders renders n comma-separated ? marks
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, 2*n-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
