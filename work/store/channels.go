package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"stbmux/work/types"
)

// ChannelLookup returns the cached channel for (portal, channel), nil when
// the lineup doesn't contain it.
func (s *SQLiteStore) ChannelLookup(ctx context.Context, portalID, channelID string) (*types.CachedChannel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT portal_id, channel_id, name, genre, logo, cached_cmd, available_macs, alternate_ids
		FROM channels
		WHERE portal_id = ? AND channel_id = ?
	`, portalID, channelID)

	ch, err := scanChannel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up channel %s/%s: %w", portalID, channelID, err)
	}
	return ch, nil
}

// ListChannels returns every cached channel across all portals, ordered for
// stable playlist output.
func (s *SQLiteStore) ListChannels(ctx context.Context) ([]types.CachedChannel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT portal_id, channel_id, name, genre, logo, cached_cmd, available_macs, alternate_ids
		FROM channels
		ORDER BY name, portal_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var channels []types.CachedChannel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		channels = append(channels, *ch)
	}
	return channels, rows.Err()
}

// ReplaceChannels atomically swaps a portal's cached lineup for the given
// set. Called by refresh jobs under the portal's job lock.
func (s *SQLiteStore) ReplaceChannels(ctx context.Context, portalID string, channels []types.CachedChannel) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE portal_id = ?`, portalID); err != nil {
		return fmt.Errorf("failed to clear channels for %s: %w", portalID, err)
	}

	for _, ch := range channels {
		macs, err := json.Marshal(ch.AvailableMacs)
		if err != nil {
			return fmt.Errorf("failed to encode available macs: %w", err)
		}
		alts, err := json.Marshal(ch.AlternateIDs)
		if err != nil {
			return fmt.Errorf("failed to encode alternate ids: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO channels (portal_id, channel_id, name, genre, logo, cached_cmd, available_macs, alternate_ids)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, portalID, ch.ChannelID, ch.Name, ch.Genre, ch.Logo, ch.CachedCmd, string(macs), string(alts))
		if err != nil {
			return fmt.Errorf("failed to insert channel %s: %w", ch.ChannelID, err)
		}
	}

	return tx.Commit()
}

// SetCachedCmd persists the last working cmd for the channel.
func (s *SQLiteStore) SetCachedCmd(ctx context.Context, portalID, channelID, cmd string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE channels SET cached_cmd = ? WHERE portal_id = ? AND channel_id = ?
	`, cmd, portalID, channelID)
	return err
}

// scanner covers both sql.Row and sql.Rows for scanChannel.
type scanner interface {
	Scan(dest ...any) error
}

func scanChannel(row scanner) (*types.CachedChannel, error) {
	var ch types.CachedChannel
	var macs, alts string

	if err := row.Scan(&ch.PortalID, &ch.ChannelID, &ch.Name, &ch.Genre, &ch.Logo, &ch.CachedCmd, &macs, &alts); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(macs), &ch.AvailableMacs); err != nil {
		ch.AvailableMacs = nil
	}
	if err := json.Unmarshal([]byte(alts), &ch.AlternateIDs); err != nil {
		ch.AlternateIDs = nil
	}

	return &ch, nil
}
