package database

import (
	"context"
	"fmt"
)

// CreateSchema creates the record store tables and indexes if missing
func (db *DB) CreateSchema(ctx context.Context) error {
	db.logger.Info("Creating database schema...")

	for _, stmt := range SchemaStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	db.logger.Info("Database schema created successfully")
	return nil
}

// SchemaStatements returns the DDL in execution order
func SchemaStatements() []string {
	return []string{
		createEntitiesTable,
		createEntitiesIndexes,
		createPatientsTable,
		createPatientsIndexes,
	}
}

// SQL DDL statements for table creation. role holds the same integer the
// registry contract stores.
const (
	createEntitiesTable = `
		CREATE TABLE IF NOT EXISTS entities (
			id UUID PRIMARY KEY,
			role SMALLINT NOT NULL CHECK (role BETWEEN 0 AND 3),
			name VARCHAR(255) NOT NULL,
			owner VARCHAR(255),
			email VARCHAR(255) NOT NULL,
			phone VARCHAR(50),
			address TEXT,
			wallet VARCHAR(42) NOT NULL,
			verification_doc_ref TEXT NOT NULL,
			hospital_id UUID REFERENCES entities(id),
			dept VARCHAR(100),
			password_hash TEXT NOT NULL DEFAULT '',
			verified BOOLEAN NOT NULL DEFAULT FALSE,
			verified_at TIMESTAMP WITH TIME ZONE,
			chain_tx_hash VARCHAR(66),
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			CONSTRAINT entities_role_email_key UNIQUE (role, email)
		);`

	createEntitiesIndexes = `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_wallet ON entities(wallet);
		CREATE INDEX IF NOT EXISTS idx_entities_role_verified ON entities(role, verified);
		CREATE INDEX IF NOT EXISTS idx_entities_hospital_id ON entities(hospital_id);`

	createPatientsTable = `
		CREATE TABLE IF NOT EXISTS patients (
			id UUID PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			age INTEGER,
			gender VARCHAR(20),
			contact_number VARCHAR(50),
			address TEXT,
			email VARCHAR(255),
			blood_group VARCHAR(10),
			emergency_contact VARCHAR(100),
			dob VARCHAR(20),
			history JSONB NOT NULL DEFAULT '[]'::jsonb,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);`

	createPatientsIndexes = `
		CREATE INDEX IF NOT EXISTS idx_patients_name ON patients(lower(name));
		CREATE INDEX IF NOT EXISTS idx_patients_history ON patients USING GIN (history jsonb_path_ops);`
)
