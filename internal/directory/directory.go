// Package directory is the local stand-in for spec's external UserDirectory
// service (registration, at-rest credential encryption, config store are
// explicitly out of this engine's scope). Grounded on the teacher's
// internal/state.Manager: a thin DB-backed registry with direct SQL
// upserts rather than an ORM layer. Here it exists only so the admin API's
// /monitoring/start can hand the engine something that satisfies
// action.UserDirectory without inventing a second persistence mechanism.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"risk-core/internal/action"
	"risk-core/internal/domain"
	"risk-core/internal/riskerr"
	"risk-core/pkg/crypto"
	"risk-core/pkg/db"
)

// Directory stores client credentials (API secret encrypted at rest) and
// risk configuration, and resolves both for the engine.
type Directory struct {
	db   *db.Database
	keys *crypto.KeyManager
}

// New builds a Directory.
func New(database *db.Database, keys *crypto.KeyManager) *Directory {
	return &Directory{db: database, keys: keys}
}

// Registration is the input to Register, mirroring the /monitoring/start
// request body (spec §6).
type Registration struct {
	ClientID       string
	Venue          domain.Venue
	APIKey         string
	APISecret      string
	InitialBalance float64
	DailyRisk      domain.RiskLimit
	MaxRisk        domain.RiskLimit
}

// Register encrypts apiSecret and upserts the client's directory record.
func (d *Directory) Register(ctx context.Context, r Registration) error {
	encrypted, err := d.keys.Encrypt(r.APISecret)
	if err != nil {
		return riskerr.Wrap(riskerr.InternalInvariantBroken, "encrypt api secret", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = d.db.DB.ExecContext(ctx, `
		INSERT INTO client_directory (
			client_id, venue, api_key, encrypted_api_secret, initial_balance,
			daily_risk_type, daily_risk_value, max_risk_type, max_risk_value, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			venue=excluded.venue, api_key=excluded.api_key, encrypted_api_secret=excluded.encrypted_api_secret,
			initial_balance=excluded.initial_balance, daily_risk_type=excluded.daily_risk_type,
			daily_risk_value=excluded.daily_risk_value, max_risk_type=excluded.max_risk_type,
			max_risk_value=excluded.max_risk_value, updated_at=excluded.updated_at`,
		r.ClientID, string(r.Venue), r.APIKey, encrypted, r.InitialBalance,
		string(r.DailyRisk.Type), r.DailyRisk.Value, string(r.MaxRisk.Type), r.MaxRisk.Value, now, now,
	)
	if err != nil {
		return riskerr.Wrap(riskerr.InternalInvariantBroken, "persist directory record", err)
	}
	return nil
}

// UpdateRiskLimits overwrites a registered client's daily/max risk limits
// (PUT /risk/limits/{clientId}).
func (d *Directory) UpdateRiskLimits(ctx context.Context, clientID string, daily, max domain.RiskLimit) error {
	res, err := d.db.DB.ExecContext(ctx, `
		UPDATE client_directory SET
			daily_risk_type = ?, daily_risk_value = ?, max_risk_type = ?, max_risk_value = ?, updated_at = ?
		WHERE client_id = ?`,
		string(daily.Type), daily.Value, string(max.Type), max.Value, time.Now().UTC().Format(time.RFC3339Nano), clientID,
	)
	if err != nil {
		return riskerr.Wrap(riskerr.InternalInvariantBroken, "update risk limits", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return riskerr.Wrap(riskerr.InternalInvariantBroken, "rows affected", err)
	}
	if n == 0 {
		return riskerr.New(riskerr.InvalidInput, "client not registered")
	}
	return nil
}

// Get loads a client's full directory record as a domain.Client, the
// shape Coordinator.StartMonitoring consumes.
func (d *Directory) Get(ctx context.Context, clientID string) (domain.Client, error) {
	row := d.db.DB.QueryRowContext(ctx, `
		SELECT client_id, venue, api_key, initial_balance, daily_risk_type, daily_risk_value, max_risk_type, max_risk_value
		FROM client_directory WHERE client_id = ?`, clientID)

	var (
		venue, apiKey, dailyType, maxType string
		c                                 domain.Client
		dailyValue, maxValue              float64
	)
	if err := row.Scan(&c.ClientID, &venue, &apiKey, &c.InitialBalance, &dailyType, &dailyValue, &maxType, &maxValue); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Client{}, riskerr.New(riskerr.InvalidInput, "client not registered")
		}
		return domain.Client{}, riskerr.Wrap(riskerr.InternalInvariantBroken, "load directory record", err)
	}
	c.Venue = domain.Venue(venue)
	c.DailyRisk = domain.RiskLimit{Type: domain.RiskLimitType(dailyType), Value: dailyValue}
	c.MaxRisk = domain.RiskLimit{Type: domain.RiskLimitType(maxType), Value: maxValue}
	return c, nil
}

// Lookup implements action.UserDirectory.
func (d *Directory) Lookup(ctx context.Context, clientID string) (action.CredentialRecord, error) {
	row := d.db.DB.QueryRowContext(ctx, `
		SELECT api_key, encrypted_api_secret FROM client_directory WHERE client_id = ?`, clientID)
	var rec action.CredentialRecord
	if err := row.Scan(&rec.APIKey, &rec.EncryptedAPISecret); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return action.CredentialRecord{}, riskerr.New(riskerr.InvalidInput, "client not registered")
		}
		return action.CredentialRecord{}, riskerr.Wrap(riskerr.InternalInvariantBroken, "lookup credentials", err)
	}
	return rec, nil
}
