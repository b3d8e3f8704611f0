package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/aalan294/PEC-MediPlus/pkg/logger"
	"github.com/aalan294/PEC-MediPlus/pkg/monitoring"
	"github.com/aalan294/PEC-MediPlus/pkg/types"
)

const entityColumns = `id, role, name, owner, email, phone, address, wallet, verification_doc_ref,
	hospital_id, dept, password_hash, verified, verified_at, chain_tx_hash, created_at, updated_at`

const patientColumns = `id, name, age, gender, contact_number, address, email, blood_group,
	emergency_contact, dob, history, created_at, updated_at`

// PostgresStore is the RecordStore backed by PostgreSQL
type PostgresStore struct {
	db      *sql.DB
	logger  *logger.Logger
	metrics *monitoring.MetricsCollector
}

var _ RecordStore = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL record store
func NewPostgresStore(db *sql.DB, log *logger.Logger, metrics *monitoring.MetricsCollector) *PostgresStore {
	return &PostgresStore{db: db, logger: log, metrics: metrics}
}

// Create inserts a new entity with a fresh id
func (s *PostgresStore) Create(ctx context.Context, e *types.Entity) (*types.Entity, error) {
	start := time.Now()
	created := *e
	created.ID = uuid.New().String()
	created.CreatedAt = start.UTC()
	created.UpdatedAt = created.CreatedAt

	query := `
		INSERT INTO entities (
			id, role, name, owner, email, phone, address, wallet, verification_doc_ref,
			hospital_id, dept, password_hash, verified, verified_at, chain_tx_hash,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err := s.db.ExecContext(ctx, query,
		created.ID,
		int16(created.Role),
		created.Name,
		nullString(created.Owner),
		created.Email,
		nullString(created.Phone),
		nullString(created.Address),
		created.Wallet,
		created.VerificationDocRef,
		nullString(created.HospitalID),
		nullString(created.Dept),
		created.PasswordHash,
		created.Verified,
		created.VerifiedAt,
		nullString(created.ChainTxHash),
		created.CreatedAt,
		created.UpdatedAt,
	)
	s.observe(ctx, "insert", "entities", start, 1, err)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
		return nil, fmt.Errorf("failed to create entity: %w", err)
	}

	return &created, nil
}

// Patch updates the given entity fields and returns the new row
func (s *PostgresStore) Patch(ctx context.Context, id string, patch types.EntityPatch) (*types.Entity, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	if patch.Empty() {
		return s.Get(ctx, id)
	}

	start := time.Now()
	var sets []string
	var args []interface{}
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Verified != nil {
		add("verified", *patch.Verified)
	}
	if patch.VerifiedAt != nil {
		add("verified_at", patch.VerifiedAt.UTC())
	}
	if patch.ChainTxHash != nil {
		add("chain_tx_hash", nullString(*patch.ChainTxHash))
	}
	add("updated_at", start.UTC())
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE entities SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), entityColumns)

	e, err := scanEntity(s.db.QueryRowContext(ctx, query, args...))
	s.observe(ctx, "update", "entities", start, 1, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to patch entity: %w", err)
	}
	return e, nil
}

// Get retrieves an entity by id
func (s *PostgresStore) Get(ctx context.Context, id string) (*types.Entity, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	start := time.Now()
	query := fmt.Sprintf(`SELECT %s FROM entities WHERE id = $1`, entityColumns)
	e, err := scanEntity(s.db.QueryRowContext(ctx, query, id))
	s.observe(ctx, "select", "entities", start, 1, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return e, nil
}

// Query lists entities matching filter ordered by creation time
func (s *PostgresStore) Query(ctx context.Context, filter types.EntityFilter) ([]*types.Entity, error) {
	start := time.Now()
	var where []string
	var args []interface{}
	add := func(clause string, value interface{}) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Role != nil {
		add("role = $%d", int16(*filter.Role))
	}
	if filter.Verified != nil {
		add("verified = $%d", *filter.Verified)
	}
	if filter.HospitalID != "" {
		if _, err := uuid.Parse(filter.HospitalID); err != nil {
			return []*types.Entity{}, nil
		}
		add("hospital_id = $%d", filter.HospitalID)
	}
	if filter.Email != "" {
		add("email = $%d", filter.Email)
	}
	if filter.Wallet != "" {
		add("wallet = $%d", filter.Wallet)
	}

	query := fmt.Sprintf(`SELECT %s FROM entities`, entityColumns)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.observe(ctx, "select", "entities", start, 0, err)
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	entities := make([]*types.Entity, 0)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entities: %w", err)
	}

	s.observe(ctx, "select", "entities", start, int64(len(entities)), nil)
	return entities, nil
}

// CreatePatient inserts a new patient with an empty history
func (s *PostgresStore) CreatePatient(ctx context.Context, p *types.Patient) (*types.Patient, error) {
	start := time.Now()
	created := *p
	created.ID = uuid.New().String()
	created.History = []types.HistoryRecord{}
	created.CreatedAt = start.UTC()
	created.UpdatedAt = created.CreatedAt

	query := `
		INSERT INTO patients (
			id, name, age, gender, contact_number, address, email, blood_group,
			emergency_contact, dob, history, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, '[]'::jsonb, $11, $12)`

	_, err := s.db.ExecContext(ctx, query,
		created.ID,
		created.Name,
		created.Age,
		nullString(created.Gender),
		nullString(created.ContactNumber),
		nullString(created.Address),
		nullString(created.Email),
		nullString(created.BloodGroup),
		nullString(created.EmergencyContact),
		nullString(created.DateOfBirth),
		created.CreatedAt,
		created.UpdatedAt,
	)
	s.observe(ctx, "insert", "patients", start, 1, err)
	if err != nil {
		return nil, fmt.Errorf("failed to create patient: %w", err)
	}
	return &created, nil
}

// GetPatient retrieves a patient and its history
func (s *PostgresStore) GetPatient(ctx context.Context, id string) (*types.Patient, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	start := time.Now()
	query := fmt.Sprintf(`SELECT %s FROM patients WHERE id = $1`, patientColumns)
	p, err := scanPatient(s.db.QueryRowContext(ctx, query, id))
	s.observe(ctx, "select", "patients", start, 1, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get patient: %w", err)
	}
	return p, nil
}

// ListPatients lists patients, optionally by case-insensitive name prefix
func (s *PostgresStore) ListPatients(ctx context.Context, filter types.PatientFilter) ([]*types.Patient, error) {
	start := time.Now()
	query := fmt.Sprintf(`SELECT %s FROM patients`, patientColumns)
	var args []interface{}
	if filter.Name != "" {
		args = append(args, strings.ToLower(filter.Name)+"%")
		query += " WHERE lower(name) LIKE $1"
	}
	query += " ORDER BY created_at, id"
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.observe(ctx, "select", "patients", start, 0, err)
		return nil, fmt.Errorf("failed to list patients: %w", err)
	}
	defer rows.Close()

	patients := make([]*types.Patient, 0)
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan patient: %w", err)
		}
		patients = append(patients, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate patients: %w", err)
	}

	s.observe(ctx, "select", "patients", start, int64(len(patients)), nil)
	return patients, nil
}

// AppendHistory appends rec unless the history already holds its prescription id
func (s *PostgresStore) AppendHistory(ctx context.Context, patientID string, rec types.HistoryRecord) error {
	if _, err := uuid.Parse(patientID); err != nil {
		return ErrNotFound
	}

	start := time.Now()
	entry, err := json.Marshal([]types.HistoryRecord{rec})
	if err != nil {
		return fmt.Errorf("failed to marshal history record: %w", err)
	}
	contains, err := json.Marshal([]map[string]uint64{{"prescriptionId": rec.PrescriptionID}})
	if err != nil {
		return fmt.Errorf("failed to marshal history match: %w", err)
	}

	query := `
		UPDATE patients
		SET history = history || $2::jsonb, updated_at = $3
		WHERE id = $1 AND NOT history @> $4::jsonb`

	result, err := s.db.ExecContext(ctx, query, patientID, string(entry), start.UTC(), string(contains))
	if err != nil {
		s.observe(ctx, "update", "patients", start, 0, err)
		return fmt.Errorf("failed to append history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	s.observe(ctx, "update", "patients", start, affected, nil)
	if affected == 1 {
		return nil
	}

	// Either the patient is missing or the record is already there.
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM patients WHERE id = $1)`, patientID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check patient: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) observe(ctx context.Context, operation, table string, start time.Time, rows int64, err error) {
	duration := time.Since(start)
	s.metrics.RecordDBQuery(operation+"_"+table, duration)
	if s.logger == nil {
		return
	}
	details := map[string]interface{}{}
	success := err == nil || errors.Is(err, sql.ErrNoRows)
	if !success {
		details["error"] = err.Error()
	}
	s.logger.DatabaseOperation(ctx, operation, table, duration.Milliseconds(), rows, success, details)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row rowScanner) (*types.Entity, error) {
	var e types.Entity
	var role int16
	var owner, phone, address, hospitalID, dept, txHash sql.NullString
	var verifiedAt sql.NullTime

	err := row.Scan(
		&e.ID,
		&role,
		&e.Name,
		&owner,
		&e.Email,
		&phone,
		&address,
		&e.Wallet,
		&e.VerificationDocRef,
		&hospitalID,
		&dept,
		&e.PasswordHash,
		&e.Verified,
		&verifiedAt,
		&txHash,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Role = types.Role(role)
	e.Owner = owner.String
	e.Phone = phone.String
	e.Address = address.String
	e.HospitalID = hospitalID.String
	e.Dept = dept.String
	e.ChainTxHash = txHash.String
	if verifiedAt.Valid {
		t := verifiedAt.Time
		e.VerifiedAt = &t
	}
	return &e, nil
}

func scanPatient(row rowScanner) (*types.Patient, error) {
	var p types.Patient
	var age sql.NullInt64
	var gender, contact, address, email, blood, emergency, dob sql.NullString
	var history []byte

	err := row.Scan(
		&p.ID,
		&p.Name,
		&age,
		&gender,
		&contact,
		&address,
		&email,
		&blood,
		&emergency,
		&dob,
		&history,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Age = int(age.Int64)
	p.Gender = gender.String
	p.ContactNumber = contact.String
	p.Address = address.String
	p.Email = email.String
	p.BloodGroup = blood.String
	p.EmergencyContact = emergency.String
	p.DateOfBirth = dob.String

	p.History = []types.HistoryRecord{}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &p.History); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history: %w", err)
		}
	}
	return &p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func limitClause(limit, offset int) string {
	clause := ""
	if limit > 0 {
		clause += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		clause += fmt.Sprintf(" OFFSET %d", offset)
	}
	return clause
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
