package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/repository"
)

// directoryRepository reads the HR platform's employee tables. It never writes.
type directoryRepository struct {
	BaseRepository
}

func NewDirectoryRepository(base BaseRepository) repository.DirectoryRepository {
	return &directoryRepository{base}
}

func (r *directoryRepository) UsersByRole(ctx context.Context, orgID uuid.UUID, role string, branchID *uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT DISTINCT e.user_id
		FROM employees e
		JOIN employee_roles er ON er.employee_id = e.id
		WHERE e.organization_id = $1 AND er.role = $2 AND e.status = 'active'
	`
	args := []interface{}{orgID, role}
	if branchID != nil {
		query += ` AND e.branch_id = $3`
		args = append(args, *branchID)
	}
	query += ` ORDER BY e.user_id`

	var ids []uuid.UUID
	if err := r.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("failed to resolve role %s: %w", role, err)
	}
	return ids, nil
}

func (r *directoryRepository) AllUsers(ctx context.Context, orgID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT user_id FROM employees
		WHERE organization_id = $1 AND status = 'active'
		ORDER BY user_id
	`
	var ids []uuid.UUID
	if err := r.db.SelectContext(ctx, &ids, query, orgID); err != nil {
		return nil, fmt.Errorf("failed to list organization users: %w", err)
	}
	return ids, nil
}

func (r *directoryRepository) Contact(ctx context.Context, userID uuid.UUID) (*model.Contact, error) {
	query := `
		SELECT user_id, COALESCE(email, '') AS email, COALESCE(phone, '') AS phone,
			COALESCE(device_token, '') AS device_token
		FROM employees
		WHERE user_id = $1
	`
	var c model.Contact
	if err := r.db.GetContext(ctx, &c, query, userID); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}
