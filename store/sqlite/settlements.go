package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// SETTLEMENTS
// =============================================================================

const settlementColumns = `id, number, company_id, driver_id, period_start, period_end,
	gross_pay, total_additions, total_deductions, net_pay, status, approval_status,
	paid_date, payment_method, payment_reference, notes, version,
	calculated_at, created_at, updated_at`

// CreateSettlement writes the header, loads and line items. The partial
// unique index turns a second live row for the same driver/period into
// ErrStorageConflict.
func (s *queries) CreateSettlement(ctx context.Context, st settlement.Settlement) error {
	if st.Version == 0 {
		st.Version = 1
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO settlements (`+settlementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, st.ID, st.Number, st.CompanyID, st.DriverID, formatDay(st.Period.Start), formatDay(st.Period.End),
		st.GrossPay.String(), st.TotalAdditions.String(), st.TotalDeductions.String(), st.NetPay.String(),
		st.Status, st.ApprovalStatus, nullTime(st.PaidDate), st.PaymentMethod, st.PaymentReference, st.Notes,
		st.Version, formatTime(st.CalculatedAt), formatTime(st.CreatedAt), formatTime(st.UpdatedAt))
	if err != nil {
		return mapError(err)
	}
	return s.insertItems(ctx, st.ID, st.Loads, st.LineItems)
}

func (s *queries) insertItems(ctx context.Context, id settlement.SettlementID, loads []settlement.SettlementLoad, items []settlement.LineItem) error {
	for _, l := range loads {
		if _, err := s.q.ExecContext(ctx, `
			INSERT INTO settlement_loads (settlement_id, load_id, load_number, miles, revenue, pay, accessorial, applied_rule)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, id, l.LoadID, l.LoadNumber, l.Miles.String(), l.Revenue.String(), l.Pay.String(),
			l.Accessorial.String(), l.AppliedRule); err != nil {
			return mapError(err)
		}
	}
	for i, li := range items {
		if _, err := s.q.ExecContext(ctx, `
			INSERT INTO settlement_deductions (id, settlement_id, seq, type, category, description, amount,
				source_kind, source_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, li.ID, id, i, li.Type, li.Category, li.Description, li.Amount.String(),
			li.Source.Kind, li.Source.ID, formatTime(li.CreatedAt)); err != nil {
			return mapError(err)
		}
	}
	return nil
}

func scanSettlement(row interface{ Scan(...any) error }) (settlement.Settlement, error) {
	var st settlement.Settlement
	var start, end, calculated, created, updated string
	var paid sql.NullString
	err := row.Scan(&st.ID, &st.Number, &st.CompanyID, &st.DriverID, &start, &end,
		&st.GrossPay, &st.TotalAdditions, &st.TotalDeductions, &st.NetPay, &st.Status, &st.ApprovalStatus,
		&paid, &st.PaymentMethod, &st.PaymentReference, &st.Notes, &st.Version,
		&calculated, &created, &updated)
	if err != nil {
		return st, err
	}
	if st.Period.Start, err = parseDay(start); err != nil {
		return st, err
	}
	if st.Period.End, err = parseDay(end); err != nil {
		return st, err
	}
	if st.PaidDate, err = parseNullTime(paid); err != nil {
		return st, err
	}
	if st.CalculatedAt, err = parseTime(calculated); err != nil {
		return st, err
	}
	if st.CreatedAt, err = parseTime(created); err != nil {
		return st, err
	}
	if st.UpdatedAt, err = parseTime(updated); err != nil {
		return st, err
	}
	return st, nil
}

func (s *queries) GetSettlement(ctx context.Context, id settlement.SettlementID) (settlement.Settlement, error) {
	st, err := scanSettlement(s.q.QueryRowContext(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return st, &settlement.NotFoundError{Kind: "settlement", ID: string(id)}
	}
	if err != nil {
		return st, err
	}
	return st, s.loadItems(ctx, &st)
}

func (s *queries) loadItems(ctx context.Context, st *settlement.Settlement) error {
	rows, err := s.q.QueryContext(ctx, `
		SELECT load_id, load_number, miles, revenue, pay, accessorial, applied_rule
		FROM settlement_loads WHERE settlement_id = ? ORDER BY rowid
	`, st.ID)
	if err != nil {
		return err
	}
	st.Loads = nil
	for rows.Next() {
		var l settlement.SettlementLoad
		if err := rows.Scan(&l.LoadID, &l.LoadNumber, &l.Miles, &l.Revenue, &l.Pay, &l.Accessorial, &l.AppliedRule); err != nil {
			rows.Close()
			return err
		}
		st.Loads = append(st.Loads, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.q.QueryContext(ctx, `
		SELECT id, type, category, description, amount, source_kind, source_id, created_at
		FROM settlement_deductions WHERE settlement_id = ? ORDER BY seq
	`, st.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	st.LineItems = nil
	for rows.Next() {
		li := settlement.LineItem{SettlementID: st.ID}
		var created string
		if err := rows.Scan(&li.ID, &li.Type, &li.Category, &li.Description, &li.Amount,
			&li.Source.Kind, &li.Source.ID, &created); err != nil {
			return err
		}
		if li.CreatedAt, err = parseTime(created); err != nil {
			return err
		}
		st.LineItems = append(st.LineItems, li)
	}
	return rows.Err()
}

func (s *queries) FindLiveSettlement(ctx context.Context, driverID settlement.DriverID, period settlement.Period) (*settlement.Settlement, error) {
	var id settlement.SettlementID
	err := s.q.QueryRowContext(ctx, `
		SELECT id FROM settlements
		WHERE driver_id = ? AND `+liveStatuses+`
		  AND period_start <= ? AND period_end >= ?
		ORDER BY created_at LIMIT 1
	`, driverID, formatDay(period.End), formatDay(period.Start)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st, err := s.GetSettlement(ctx, id)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *queries) ListSettlements(ctx context.Context, f settlement.SettlementFilter) ([]settlement.Settlement, error) {
	var where []string
	var args []any
	if f.CompanyID != "" {
		where = append(where, "company_id = ?")
		args = append(args, f.CompanyID)
	}
	if f.DriverID != "" {
		where = append(where, "driver_id = ?")
		args = append(args, f.DriverID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Period != nil {
		where = append(where, "period_start <= ? AND period_end >= ?")
		args = append(args, formatDay(f.Period.End), formatDay(f.Period.Start))
	}
	if f.LiveOnly {
		where = append(where, liveStatuses)
	}

	query := `SELECT ` + settlementColumns + ` FROM settlements`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []settlement.Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Children are loaded after the cursor closes: the pool has one connection.
	for i := range out {
		if err := s.loadItems(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *queries) UpdateSettlement(ctx context.Context, st settlement.Settlement) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE settlements SET
			gross_pay = ?, total_additions = ?, total_deductions = ?, net_pay = ?,
			status = ?, approval_status = ?, paid_date = ?, payment_method = ?,
			payment_reference = ?, notes = ?, calculated_at = ?, updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`, st.GrossPay.String(), st.TotalAdditions.String(), st.TotalDeductions.String(), st.NetPay.String(),
		st.Status, st.ApprovalStatus, nullTime(st.PaidDate), st.PaymentMethod,
		st.PaymentReference, st.Notes, formatTime(st.CalculatedAt), formatTime(st.UpdatedAt),
		st.ID, st.Version)
	if err != nil {
		return mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM settlements WHERE id = ?`, st.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return &settlement.NotFoundError{Kind: "settlement", ID: string(st.ID)}
		}
		return settlement.ErrConcurrentModification
	}
	return nil
}

func (s *queries) ReplaceSettlementItems(ctx context.Context, id settlement.SettlementID, loads []settlement.SettlementLoad, items []settlement.LineItem) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM settlement_loads WHERE settlement_id = ?`, id); err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx, `DELETE FROM settlement_deductions WHERE settlement_id = ?`, id); err != nil {
		return err
	}
	return s.insertItems(ctx, id, loads, items)
}

// =============================================================================
// APPROVALS (append-only)
// =============================================================================

func (s *queries) AppendApproval(ctx context.Context, a settlement.Approval) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO settlement_approvals (id, settlement_id, action, status, approval_status, actor_id, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.SettlementID, a.Action, a.Status, a.ApprovalStatus, a.ActorID, a.Notes, formatTime(a.CreatedAt))
	return mapError(err)
}

func (s *queries) ListApprovals(ctx context.Context, id settlement.SettlementID) ([]settlement.Approval, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, settlement_id, action, status, approval_status, actor_id, notes, created_at
		FROM settlement_approvals WHERE settlement_id = ? ORDER BY created_at, rowid
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []settlement.Approval
	for rows.Next() {
		var a settlement.Approval
		var created string
		if err := rows.Scan(&a.ID, &a.SettlementID, &a.Action, &a.Status, &a.ApprovalStatus,
			&a.ActorID, &a.Notes, &created); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// GENERATION RUNS
// =============================================================================

func (s *queries) SaveRun(ctx context.Context, r settlement.GenerationRun) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO generation_runs (id, company_id, period_start, period_end, trigger_source, mode, status,
			created, skipped, failed, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mode = excluded.mode,
			status = excluded.status,
			created = excluded.created,
			skipped = excluded.skipped,
			failed = excluded.failed,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`, r.ID, r.CompanyID, formatDay(r.Period.Start), formatDay(r.Period.End), r.Trigger, r.Mode, r.Status,
		r.Created, r.Skipped, r.Failed, r.Error, formatTime(r.StartedAt), nullTime(r.CompletedAt))
	return err
}

func (s *queries) LastRun(ctx context.Context, companyID settlement.CompanyID) (*settlement.GenerationRun, error) {
	var r settlement.GenerationRun
	var start, end, started string
	var completed sql.NullString
	err := s.q.QueryRowContext(ctx, `
		SELECT id, company_id, period_start, period_end, trigger_source, mode, status,
			created, skipped, failed, error, started_at, completed_at
		FROM generation_runs WHERE company_id = ?
		ORDER BY started_at DESC, rowid DESC LIMIT 1
	`, companyID).Scan(&r.ID, &r.CompanyID, &start, &end, &r.Trigger, &r.Mode, &r.Status,
		&r.Created, &r.Skipped, &r.Failed, &r.Error, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if r.Period.Start, err = parseDay(start); err != nil {
		return nil, err
	}
	if r.Period.End, err = parseDay(end); err != nil {
		return nil, err
	}
	if r.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if r.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, fmt.Errorf("run %s completed_at: %w", r.ID, err)
	}
	return &r, nil
}
