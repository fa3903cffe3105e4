package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
)

type migration struct {
	Version string
	Up      string
}

var migrations = []migration{
	{Version: "1.0.0", Up: migrationV1},
	{Version: "1.1.0", Up: migrationV1_1},
}

// Закупки, заказы, платежи.
// Агрегат закупки (current_amount, current_quantity) меняется только выражением инкремента.
const migrationV1 = `
CREATE TABLE IF NOT EXISTS products (
	id            VARCHAR(36) PRIMARY KEY,
	name          TEXT NOT NULL,
	min_order_qty INTEGER NOT NULL DEFAULT 1,
	max_order_qty INTEGER,
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS addresses (
	id             VARCHAR(36) PRIMARY KEY,
	participant_id VARCHAR(64) NOT NULL,
	line1          TEXT NOT NULL,
	city           TEXT NOT NULL,
	postal_code    TEXT NOT NULL,
	country        TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_addresses_participant ON addresses(participant_id);

CREATE SEQUENCE IF NOT EXISTS campaign_batch_seq;

CREATE TABLE IF NOT EXISTS campaigns (
	id                 VARCHAR(36) PRIMARY KEY,
	batch_number       BIGINT NOT NULL UNIQUE DEFAULT nextval('campaign_batch_seq'),
	product_id         VARCHAR(36) NOT NULL REFERENCES products(id),
	price_per_unit     NUMERIC(14, 2) NOT NULL,
	min_threshold      NUMERIC(16, 2) NOT NULL,
	target_quantity    INTEGER NOT NULL,
	current_amount     NUMERIC(16, 2) NOT NULL DEFAULT 0,
	current_quantity   INTEGER NOT NULL DEFAULT 0,
	expires_at         TIMESTAMPTZ NOT NULL,
	estimated_delivery TIMESTAMPTZ,
	actual_delivery    TIMESTAMPTZ,
	status             VARCHAR(16) NOT NULL,
	cancel_reason      TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_campaigns_status_expires ON campaigns(status, expires_at);

CREATE SEQUENCE IF NOT EXISTS order_number_seq;

CREATE TABLE IF NOT EXISTS orders (
	id             VARCHAR(36) PRIMARY KEY,
	number         VARCHAR(32) NOT NULL UNIQUE,
	campaign_id    VARCHAR(36) NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
	participant_id VARCHAR(64) NOT NULL,
	address_id     VARCHAR(36) NOT NULL REFERENCES addresses(id),
	total_amount   NUMERIC(16, 2) NOT NULL,
	status         VARCHAR(16) NOT NULL,
	payment_status VARCHAR(20) NOT NULL,
	cancel_reason  TEXT NOT NULL DEFAULT '',
	placed_at      TIMESTAMPTZ NOT NULL,
	confirmed_at   TIMESTAMPTZ,
	cancelled_at   TIMESTAMPTZ,
	delivered_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_orders_participant ON orders(participant_id, placed_at);
CREATE UNIQUE INDEX IF NOT EXISTS ux_orders_live_participant
	ON orders(campaign_id, participant_id) WHERE status <> 'CANCELLED';

CREATE TABLE IF NOT EXISTS order_items (
	id         BIGSERIAL PRIMARY KEY,
	order_id   VARCHAR(36) NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
	product_id VARCHAR(36) NOT NULL,
	quantity   INTEGER NOT NULL,
	unit_price NUMERIC(14, 2) NOT NULL,
	line_total NUMERIC(16, 2) NOT NULL
);

CREATE TABLE IF NOT EXISTS payments (
	id              VARCHAR(36) PRIMARY KEY,
	order_id        VARCHAR(36) NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
	method          VARCHAR(20) NOT NULL,
	amount          NUMERIC(16, 2) NOT NULL,
	status          VARCHAR(20) NOT NULL,
	gateway_ref     TEXT NOT NULL DEFAULT '',
	refunded_amount NUMERIC(16, 2) NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	refunded_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_payments_order ON payments(order_id, created_at);
`

// Outbox возвратов: запрос к платёжному шлюзу отделён от транзакции отмены.
const migrationV1_1 = `
CREATE TABLE IF NOT EXISTS refund_outbox (
	id              BIGSERIAL PRIMARY KEY,
	payment_id      VARCHAR(36) NOT NULL,
	order_id        VARCHAR(36) NOT NULL,
	amount          NUMERIC(16, 2) NOT NULL,
	state           VARCHAR(10) NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	next_attempt_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_refund_outbox_due ON refund_outbox(state, next_attempt_at);
`

// applyMigrations runs every migration newer than the recorded schema version, oldest first.
func applyMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS schema_version ("+
			" version VARCHAR(32) PRIMARY KEY,"+
			" applied_at TIMESTAMPTZ NOT NULL DEFAULT now()"+
			" );")
	if err != nil {
		return err
	}

	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}

	pending := make([]migration, 0, len(migrations))
	for _, m := range migrations {
		v, err := semver.NewVersion(m.Version)
		if err != nil {
			return fmt.Errorf("migration version %q: %w", m.Version, err)
		}
		if current == nil || v.GreaterThan(current) {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return semver.MustParse(pending[i].Version).LessThan(semver.MustParse(pending[j].Version))
	})

	for _, m := range pending {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES ($1)", m.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func currentVersion(ctx context.Context, db *sql.DB) (*semver.Version, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var latest *semver.Version
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		v, err := semver.NewVersion(raw)
		if err != nil {
			return nil, fmt.Errorf("recorded schema version %q: %w", raw, err)
		}
		if latest == nil || v.GreaterThan(latest) {
			latest = v
		}
	}
	return latest, rows.Err()
}
