package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"banklink/internal/domain/consent"
)

// InstitutionRepository implements consent.InstitutionRepository for PostgreSQL
type InstitutionRepository struct {
	db *DB
}

func NewInstitutionRepository(db *DB) *InstitutionRepository {
	return &InstitutionRepository{db: db}
}

const institutionColumns = `id, code, name, logo_url, created_at`

func scanInstitution(row rowScanner) (*consent.Institution, error) {
	var inst consent.Institution
	var logo sql.NullString
	if err := row.Scan(&inst.ID, &inst.Code, &inst.Name, &logo, &inst.CreatedAt); err != nil {
		return nil, err
	}
	inst.LogoURL = logo.String
	return &inst, nil
}

func (r *InstitutionRepository) FindByCode(ctx context.Context, code string) (*consent.Institution, error) {
	query := `SELECT ` + institutionColumns + ` FROM institutions WHERE code = $1`

	inst, err := scanInstitution(r.db.QueryRowContext(ctx, query, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, consent.ErrInstitutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get institution: %w", err)
	}
	return inst, nil
}

func (r *InstitutionRepository) GetByID(ctx context.Context, id int64) (*consent.Institution, error) {
	query := `SELECT ` + institutionColumns + ` FROM institutions WHERE id = $1`

	inst, err := scanInstitution(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, consent.ErrInstitutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get institution: %w", err)
	}
	return inst, nil
}

// Create inserts an institution; a concurrent insert of the same code
// yields consent.ErrInstitutionExists.
func (r *InstitutionRepository) Create(ctx context.Context, code, name, logoURL string) (*consent.Institution, error) {
	query := `
		INSERT INTO institutions (code, name, logo_url)
		VALUES ($1, $2, $3)
		RETURNING ` + institutionColumns

	inst, err := scanInstitution(r.db.QueryRowContext(ctx, query, code, name, nullString(logoURL)))
	if isUniqueViolation(err) {
		return nil, consent.ErrInstitutionExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create institution: %w", err)
	}
	return inst, nil
}
