package storage

// stats.go contains aggregate queries for the statistics report. None of these
// are needed for the token chain itself.

import (
	"context"
	"fmt"
	"time"
)

// AppUsage is one row of the top-apps report.
type AppUsage struct {
	Name       string `json:"name"`
	Identities int    `json:"identities"`
	AuthCount  int64  `json:"auth_count"`
}

// Stats summarises the credential store at a point in time.
type Stats struct {
	Admins              int        `json:"admins"`
	ActiveAdmins        int        `json:"active_admins"`
	LockedAdmins        int        `json:"locked_admins"`
	LibraryTokens       int        `json:"library_tokens"`
	ActiveLibraryTokens int        `json:"active_library_tokens"`
	ExpiredTokens       int        `json:"expired_library_tokens"`
	InactiveTokens      int        `json:"inactive_library_tokens"`
	TotalTokenUsage     int64      `json:"total_token_usage"`
	AppIdentities       int        `json:"app_identities"`
	ActiveIdentities    int        `json:"active_app_identities"`
	TopApps             []AppUsage `json:"top_apps"`
}

// topAppsLimit bounds the TopApps report.
const topAppsLimit = 5

// Stats computes the aggregate report as of now.
func (s *SQLiteStore) Stats(ctx context.Context, now time.Time) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts := formatTime(now)
	var st Stats

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(active), 0),
			COALESCE(SUM(CASE WHEN locked_until IS NOT NULL AND locked_until > ? THEN 1 ELSE 0 END), 0)
		FROM administrators`, ts).Scan(&st.Admins, &st.ActiveAdmins, &st.LockedAdmins)
	if err != nil {
		return nil, fmt.Errorf("admin stats: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN active = 1 AND expires_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN active = 1 AND expires_at <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN active = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(usage_count), 0)
		FROM library_tokens`, ts, ts).Scan(
		&st.LibraryTokens,
		&st.ActiveLibraryTokens,
		&st.ExpiredTokens,
		&st.InactiveTokens,
		&st.TotalTokenUsage,
	)
	if err != nil {
		return nil, fmt.Errorf("library token stats: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(active), 0)
		FROM app_identities`).Scan(&st.AppIdentities, &st.ActiveIdentities)
	if err != nil {
		return nil, fmt.Errorf("app identity stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, COUNT(*), COALESCE(SUM(auth_count), 0) AS total
		FROM app_identities
		GROUP BY name
		ORDER BY total DESC, name ASC
		LIMIT ?`, topAppsLimit)
	if err != nil {
		return nil, fmt.Errorf("query top apps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u AppUsage
		if err := rows.Scan(&u.Name, &u.Identities, &u.AuthCount); err != nil {
			return nil, fmt.Errorf("scan top app: %w", err)
		}
		st.TopApps = append(st.TopApps, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate top apps: %w", err)
	}

	return &st, nil
}
