package flowguard

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS threats (
	id VARCHAR(255) PRIMARY KEY,
	threat_type VARCHAR(100) NOT NULL,
	severity VARCHAR(50) NOT NULL,
	status VARCHAR(50) NOT NULL,
	source_ips TEXT[] NOT NULL,
	target_ips TEXT[] NOT NULL,
	detected_at TIMESTAMP NOT NULL,
	mitigated_at TIMESTAMP,
	resolved_at TIMESTAMP,
	details JSONB,
	created_at TIMESTAMP DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_threats_type ON threats(threat_type);
CREATE INDEX IF NOT EXISTS idx_threats_severity ON threats(severity);
CREATE INDEX IF NOT EXISTS idx_threats_status ON threats(status);
CREATE INDEX IF NOT EXISTS idx_threats_detected ON threats(detected_at DESC);

CREATE TABLE IF NOT EXISTS attacks (
	id SERIAL PRIMARY KEY,
	threat_id VARCHAR(255) REFERENCES threats(id) ON DELETE CASCADE,
	attack_type VARCHAR(100) NOT NULL,
	source_ip VARCHAR(50) NOT NULL,
	target_ip VARCHAR(50),
	packets BIGINT DEFAULT 0,
	bytes BIGINT DEFAULT 0,
	timestamp TIMESTAMP NOT NULL,
	details JSONB,
	created_at TIMESTAMP DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_attacks_threat ON attacks(threat_id);
CREATE INDEX IF NOT EXISTS idx_attacks_source ON attacks(source_ip);
CREATE INDEX IF NOT EXISTS idx_attacks_timestamp ON attacks(timestamp DESC);

CREATE TABLE IF NOT EXISTS mitigations (
	id SERIAL PRIMARY KEY,
	threat_id VARCHAR(255) REFERENCES threats(id) ON DELETE CASCADE,
	mitigation_type VARCHAR(100) NOT NULL,
	target_ips TEXT[] NOT NULL,
	config TEXT,
	parameters JSONB,
	applied_at TIMESTAMP NOT NULL,
	status VARCHAR(50) NOT NULL,
	created_at TIMESTAMP DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_mitigations_threat ON mitigations(threat_id);
CREATE INDEX IF NOT EXISTS idx_mitigations_type ON mitigations(mitigation_type);
`

const threatColumns = "id, threat_type, severity, status, source_ips, target_ips, detected_at, mitigated_at, resolved_at, details"

// PostgresLedger implements ThreatLedger on PostgreSQL. The schema is
// bootstrapped on construction; an unreachable database fails construction
// so the engine refuses to start without its persistence layer.
type PostgresLedger struct {
	db  *sqlx.DB
	ids threatIDGenerator
}

func NewPostgresLedger(ctx context.Context, dsn string) (*PostgresLedger, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.ExecContext(ctx, ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize ledger schema: %w", err)
	}
	return &PostgresLedger{db: db}, nil
}

func (l *PostgresLedger) CreateThreat(ctx context.Context, threatType, severity string, sourceIPs, targetIPs []string, details map[string]any) (*Threat, error) {
	now := time.Now().UTC()
	threat := &Threat{
		ID:         l.ids.next(now),
		Type:       threatType,
		Severity:   severity,
		Status:     StatusDetected,
		SourceIPs:  sourceIPs,
		TargetIPs:  targetIPs,
		DetectedAt: now,
		Details:    details,
	}
	if threat.SourceIPs == nil {
		threat.SourceIPs = []string{}
	}
	if threat.TargetIPs == nil {
		threat.TargetIPs = []string{}
	}

	detailsJSON, err := marshalDetails(details)
	if err != nil {
		return nil, fmt.Errorf("create threat: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO threats (id, threat_type, severity, status, source_ips, target_ips, detected_at, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		threat.ID, threat.Type, threat.Severity, threat.Status,
		pq.Array(threat.SourceIPs), pq.Array(threat.TargetIPs), threat.DetectedAt, detailsJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("create threat: %w", err)
	}
	return threat, nil
}

func (l *PostgresLedger) CreateAttack(ctx context.Context, threatID, attackType, sourceIP, targetIP string, packetCount, byteCount int64, details map[string]any) (*Attack, error) {
	attack := &Attack{
		ThreatID:    threatID,
		Type:        attackType,
		SourceIP:    sourceIP,
		TargetIP:    targetIP,
		PacketCount: packetCount,
		ByteCount:   byteCount,
		DetectedAt:  time.Now().UTC(),
		Details:     details,
	}
	detailsJSON, err := marshalDetails(details)
	if err != nil {
		return nil, fmt.Errorf("create attack: %w", err)
	}
	err = l.db.QueryRowxContext(ctx, `
		INSERT INTO attacks (threat_id, attack_type, source_ip, target_ip, packets, bytes, timestamp, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		attack.ThreatID, attack.Type, attack.SourceIP, nullString(targetIP),
		attack.PacketCount, attack.ByteCount, attack.DetectedAt, detailsJSON,
	).Scan(&attack.ID)
	if err != nil {
		return nil, fmt.Errorf("create attack: %w", err)
	}
	return attack, nil
}

func (l *PostgresLedger) CreateMitigation(ctx context.Context, threatID string, mitigationType MitigationType, targetIPs []string, configuration string, parameters map[string]any) (*Mitigation, error) {
	mitigation := &Mitigation{
		ThreatID:      threatID,
		Type:          mitigationType,
		TargetIPs:     targetIPs,
		Configuration: configuration,
		Parameters:    parameters,
		AppliedAt:     time.Now().UTC(),
		Status:        MitigationStatusActive,
	}
	if mitigation.TargetIPs == nil {
		mitigation.TargetIPs = []string{}
	}
	paramsJSON, err := marshalDetails(parameters)
	if err != nil {
		return nil, fmt.Errorf("create mitigation: %w", err)
	}
	err = l.db.QueryRowxContext(ctx, `
		INSERT INTO mitigations (threat_id, mitigation_type, target_ips, config, parameters, applied_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		mitigation.ThreatID, string(mitigation.Type), pq.Array(mitigation.TargetIPs),
		mitigation.Configuration, paramsJSON, mitigation.AppliedAt, mitigation.Status,
	).Scan(&mitigation.ID)
	if err != nil {
		return nil, fmt.Errorf("create mitigation: %w", err)
	}
	return mitigation, nil
}

func (l *PostgresLedger) UpdateThreatStatus(ctx context.Context, threatID, status string) error {
	if !validStatus(status) {
		return fmt.Errorf("unknown threat status %q", status)
	}

	var current string
	err := l.db.GetContext(ctx, &current, `SELECT status FROM threats WHERE id = $1`, threatID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update threat %s: %w", threatID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update threat %s: %w", threatID, err)
	}
	if !validTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	// Timestamps stick on first entry; COALESCE keeps retried transitions
	// from rewriting them. The status guard rejects concurrent movers.
	query := `UPDATE threats SET status = $1`
	args := []any{status}
	switch status {
	case StatusMitigated:
		query += `, mitigated_at = COALESCE(mitigated_at, $2)`
		args = append(args, time.Now().UTC())
	case StatusResolved:
		query += `, resolved_at = COALESCE(resolved_at, $2)`
		args = append(args, time.Now().UTC())
	}
	query += fmt.Sprintf(` WHERE id = $%d AND status = $%d`, len(args)+1, len(args)+2)
	args = append(args, threatID, current)

	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update threat %s: %w", threatID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update threat %s: status changed concurrently", threatID)
	}
	return nil
}

func (l *PostgresLedger) UpdateMitigationStatus(ctx context.Context, mitigationID int64, status string) error {
	res, err := l.db.ExecContext(ctx, `UPDATE mitigations SET status = $1 WHERE id = $2`, status, mitigationID)
	if err != nil {
		return fmt.Errorf("update mitigation %d: %w", mitigationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update mitigation %d: %w", mitigationID, ErrNotFound)
	}
	return nil
}

func (l *PostgresLedger) GetThreat(ctx context.Context, id string) (*Threat, error) {
	row := l.db.QueryRowxContext(ctx, `SELECT `+threatColumns+` FROM threats WHERE id = $1`, id)
	threat, err := scanThreat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("threat %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get threat %s: %w", id, err)
	}
	return threat, nil
}

func (l *PostgresLedger) ListThreats(ctx context.Context, filter ThreatFilter) ([]*Threat, error) {
	query := `SELECT ` + threatColumns + ` FROM threats WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Severity != "" {
		args = append(args, filter.Severity)
		query += fmt.Sprintf(" AND severity = $%d", len(args))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(" AND threat_type = $%d", len(args))
	}
	query += " ORDER BY detected_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := l.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threats: %w", err)
	}
	defer rows.Close()

	threats := make([]*Threat, 0)
	for rows.Next() {
		threat, err := scanThreat(rows)
		if err != nil {
			return nil, fmt.Errorf("list threats: %w", err)
		}
		threats = append(threats, threat)
	}
	return threats, rows.Err()
}

func (l *PostgresLedger) GetAttacksByThreat(ctx context.Context, threatID string) ([]*Attack, error) {
	rows, err := l.db.QueryxContext(ctx, `
		SELECT id, threat_id, attack_type, source_ip, target_ip, packets, bytes, timestamp, details
		FROM attacks WHERE threat_id = $1 ORDER BY timestamp DESC`, threatID)
	if err != nil {
		return nil, fmt.Errorf("get attacks: %w", err)
	}
	defer rows.Close()

	attacks := make([]*Attack, 0)
	for rows.Next() {
		var (
			a          Attack
			targetIP   sql.NullString
			detailsRaw []byte
		)
		if err := rows.Scan(&a.ID, &a.ThreatID, &a.Type, &a.SourceIP, &targetIP,
			&a.PacketCount, &a.ByteCount, &a.DetectedAt, &detailsRaw); err != nil {
			return nil, fmt.Errorf("get attacks: %w", err)
		}
		a.TargetIP = targetIP.String
		if a.Details, err = unmarshalDetails(detailsRaw); err != nil {
			return nil, fmt.Errorf("get attacks: %w", err)
		}
		attacks = append(attacks, &a)
	}
	return attacks, rows.Err()
}

func (l *PostgresLedger) GetMitigationsByThreat(ctx context.Context, threatID string) ([]*Mitigation, error) {
	// Application order; rollback iterates this in reverse.
	rows, err := l.db.QueryxContext(ctx, `
		SELECT id, threat_id, mitigation_type, target_ips, config, parameters, applied_at, status
		FROM mitigations WHERE threat_id = $1 ORDER BY applied_at ASC, id ASC`, threatID)
	if err != nil {
		return nil, fmt.Errorf("get mitigations: %w", err)
	}
	defer rows.Close()

	mitigations := make([]*Mitigation, 0)
	for rows.Next() {
		var (
			m         Mitigation
			mtype     string
			config    sql.NullString
			paramsRaw []byte
		)
		if err := rows.Scan(&m.ID, &m.ThreatID, &mtype, pq.Array(&m.TargetIPs),
			&config, &paramsRaw, &m.AppliedAt, &m.Status); err != nil {
			return nil, fmt.Errorf("get mitigations: %w", err)
		}
		m.Type = MitigationType(mtype)
		m.Configuration = config.String
		if m.Parameters, err = unmarshalDetails(paramsRaw); err != nil {
			return nil, fmt.Errorf("get mitigations: %w", err)
		}
		mitigations = append(mitigations, &m)
	}
	return mitigations, rows.Err()
}

func (l *PostgresLedger) GetStatistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{
		ByStatus:   make(map[string]int64),
		BySeverity: make(map[string]int64),
	}

	err := l.db.QueryRowxContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE detected_at > NOW() - INTERVAL '24 hours')
		FROM threats`).Scan(&stats.Total, &stats.Last24h)
	if err != nil {
		return nil, fmt.Errorf("get statistics: %w", err)
	}

	if err := l.countGroups(ctx, `SELECT status, COUNT(*) FROM threats GROUP BY status`, stats.ByStatus); err != nil {
		return nil, fmt.Errorf("get statistics: %w", err)
	}
	if err := l.countGroups(ctx, `SELECT severity, COUNT(*) FROM threats GROUP BY severity`, stats.BySeverity); err != nil {
		return nil, fmt.Errorf("get statistics: %w", err)
	}
	return stats, nil
}

func (l *PostgresLedger) countGroups(ctx context.Context, query string, into map[string]int64) error {
	rows, err := l.db.QueryxContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key   string
			count int64
		)
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		into[key] = count
	}
	return rows.Err()
}

func (l *PostgresLedger) GetAttackStatistics(ctx context.Context, hours int) ([]AttackTypeStats, error) {
	if hours <= 0 {
		hours = 24
	}
	rows, err := l.db.QueryxContext(ctx, `
		SELECT attack_type, COUNT(*), COALESCE(SUM(packets), 0), COALESCE(SUM(bytes), 0)
		FROM attacks
		WHERE timestamp > NOW() - make_interval(hours => $1)
		GROUP BY attack_type
		ORDER BY COUNT(*) DESC`, hours)
	if err != nil {
		return nil, fmt.Errorf("get attack statistics: %w", err)
	}
	defer rows.Close()

	stats := make([]AttackTypeStats, 0)
	for rows.Next() {
		var s AttackTypeStats
		if err := rows.Scan(&s.AttackType, &s.Count, &s.PacketCount, &s.ByteCount); err != nil {
			return nil, fmt.Errorf("get attack statistics: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

func (l *PostgresLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

func (l *PostgresLedger) Close() error {
	return l.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThreat(row rowScanner) (*Threat, error) {
	var (
		t           Threat
		mitigatedAt sql.NullTime
		resolvedAt  sql.NullTime
		detailsRaw  []byte
	)
	err := row.Scan(&t.ID, &t.Type, &t.Severity, &t.Status,
		pq.Array(&t.SourceIPs), pq.Array(&t.TargetIPs),
		&t.DetectedAt, &mitigatedAt, &resolvedAt, &detailsRaw)
	if err != nil {
		return nil, err
	}
	if mitigatedAt.Valid {
		t.MitigatedAt = &mitigatedAt.Time
	}
	if resolvedAt.Valid {
		t.ResolvedAt = &resolvedAt.Time
	}
	if t.Details, err = unmarshalDetails(detailsRaw); err != nil {
		return nil, err
	}
	return &t, nil
}

func marshalDetails(details map[string]any) ([]byte, error) {
	if details == nil {
		return nil, nil
	}
	return json.Marshal(details)
}

func unmarshalDetails(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var details map[string]any
	if err := json.Unmarshal(raw, &details); err != nil {
		return nil, err
	}
	return details, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
