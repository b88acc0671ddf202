package store

import (
	"context"
	"database/sql"
	"fmt"

	"stbmux/work/types"
)

// Portals loads all enabled portals; each portal's MAC pool comes back in
// rotation order (lowest position first).
func (s *SQLiteStore) Portals(ctx context.Context) ([]types.Portal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, url, proxy, streams_per_mac, enabled, fuzzy_match, epg_url
		FROM portals
		WHERE enabled = 1
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load portals: %w", err)
	}
	defer rows.Close()

	var portals []types.Portal
	for rows.Next() {
		var p types.Portal
		if err := rows.Scan(&p.ID, &p.Name, &p.URL, &p.Proxy, &p.StreamsPerMac, &p.Enabled, &p.FuzzyMatch, &p.EpgURL); err != nil {
			return nil, fmt.Errorf("failed to scan portal: %w", err)
		}
		portals = append(portals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range portals {
		macs, err := s.macsFor(ctx, portals[i].ID)
		if err != nil {
			return nil, err
		}
		portals[i].Macs = macs
	}

	return portals, nil
}

// Portal loads one portal by id with its MAC pool, nil when unknown.
func (s *SQLiteStore) Portal(ctx context.Context, id string) (*types.Portal, error) {
	var p types.Portal
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, url, proxy, streams_per_mac, enabled, fuzzy_match, epg_url
		FROM portals
		WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.URL, &p.Proxy, &p.StreamsPerMac, &p.Enabled, &p.FuzzyMatch, &p.EpgURL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load portal %s: %w", id, err)
	}

	macs, err := s.macsFor(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Macs = macs

	return &p, nil
}

func (s *SQLiteStore) macsFor(ctx context.Context, portalID string) ([]types.MacRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mac, expiry, watchdog_seconds, playback_limit
		FROM macs
		WHERE portal_id = ?
		ORDER BY position
	`, portalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load macs for %s: %w", portalID, err)
	}
	defer rows.Close()

	var macs []types.MacRecord
	for rows.Next() {
		var m types.MacRecord
		if err := rows.Scan(&m.Mac, &m.Expiry, &m.WatchdogSeconds, &m.PlaybackLimit); err != nil {
			return nil, fmt.Errorf("failed to scan mac: %w", err)
		}
		macs = append(macs, m)
	}
	return macs, rows.Err()
}

// SavePortal inserts or replaces a portal and rewrites its MAC pool in the
// order given.
func (s *SQLiteStore) SavePortal(ctx context.Context, p *types.Portal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO portals (id, name, url, proxy, streams_per_mac, enabled, fuzzy_match, epg_url, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			url = excluded.url,
			proxy = excluded.proxy,
			streams_per_mac = excluded.streams_per_mac,
			enabled = excluded.enabled,
			fuzzy_match = excluded.fuzzy_match,
			epg_url = excluded.epg_url,
			updated_at = CURRENT_TIMESTAMP
	`, p.ID, p.Name, p.URL, p.Proxy, p.StreamsPerMac, p.Enabled, p.FuzzyMatch, p.EpgURL)
	if err != nil {
		return fmt.Errorf("failed to save portal: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM macs WHERE portal_id = ?`, p.ID); err != nil {
		return fmt.Errorf("failed to clear macs: %w", err)
	}

	for i, m := range p.Macs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO macs (portal_id, mac, expiry, watchdog_seconds, playback_limit, position)
			VALUES (?, ?, ?, ?, ?, ?)
		`, p.ID, m.Mac, m.Expiry, m.WatchdogSeconds, m.PlaybackLimit, i)
		if err != nil {
			return fmt.Errorf("failed to save mac %s: %w", m.Mac, err)
		}
	}

	return tx.Commit()
}

// DeletePortal removes a portal; MACs and channels cascade.
func (s *SQLiteStore) DeletePortal(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM portals WHERE id = ?`, id)
	return err
}

// MoveMac rotates the MAC to the back of the portal's pool by assigning it a
// position past the current maximum. Callers serialize through the portal's
// job lock so concurrent probe rounds never interleave rotations.
func (s *SQLiteStore) MoveMac(ctx context.Context, portalID, mac string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxPos int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position), 0) FROM macs WHERE portal_id = ?
	`, portalID).Scan(&maxPos); err != nil {
		return fmt.Errorf("failed to read mac positions: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE macs SET position = ? WHERE portal_id = ? AND mac = ?
	`, maxPos+1, portalID, mac)
	if err != nil {
		return fmt.Errorf("failed to move mac: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mac %s not found for portal %s", mac, portalID)
	}

	return tx.Commit()
}

// SetMacExpiry records the expiry text the portal reported for the MAC.
func (s *SQLiteStore) SetMacExpiry(ctx context.Context, portalID, mac, expiry string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE macs SET expiry = ? WHERE portal_id = ? AND mac = ?
	`, expiry, portalID, mac)
	return err
}
