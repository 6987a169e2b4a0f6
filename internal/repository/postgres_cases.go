package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CasesRepository 病例阶段与历史手术时长
type CasesRepository struct{}

// NewCasesRepository 创建病例仓库
func NewCasesRepository() *CasesRepository {
	return &CasesRepository{}
}

// GetStage 病例当前阶段
func (r *CasesRepository) GetStage(ctx context.Context, q DBTX, caseID int64) (string, error) {
	var stage sql.NullString
	err := q.QueryRowContext(ctx, `SELECT stage FROM cases WHERE id = $1`, caseID).Scan(&stage)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get case %d stage: %w", caseID, err)
	}
	return stage.String, nil
}

// ListProcedureDurations 某手术类型的历史实际时长（最近 limit 条）
func (r *CasesRepository) ListProcedureDurations(ctx context.Context, q DBTX, procedureCode string, limit int) ([]int, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT actual_duration_min FROM visit_procedures
		WHERE procedure_code = $1
		  AND actual_duration_min IS NOT NULL
		  AND actual_duration_min > 0
		ORDER BY id DESC
		LIMIT $2
	`, procedureCode, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list procedure durations: %w", err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
