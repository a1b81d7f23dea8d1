package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// COMPANIES & DRIVERS
// =============================================================================

func (s *queries) GetCompany(ctx context.Context, id settlement.CompanyID) (settlement.Company, error) {
	var c settlement.Company
	var start, end int
	err := s.q.QueryRowContext(ctx, `
		SELECT id, name, pay_period_start, pay_period_end, active
		FROM companies WHERE id = ?
	`, id).Scan(&c.ID, &c.Name, &start, &end, &c.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return c, &settlement.NotFoundError{Kind: "company", ID: string(id)}
	}
	if err != nil {
		return c, err
	}
	c.PayPeriodStart, c.PayPeriodEnd = time.Weekday(start), time.Weekday(end)
	return c, nil
}

func (s *queries) ListCompanies(ctx context.Context) ([]settlement.Company, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, name, pay_period_start, pay_period_end, active
		FROM companies WHERE active = 1 ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []settlement.Company
	for rows.Next() {
		var c settlement.Company
		var start, end int
		if err := rows.Scan(&c.ID, &c.Name, &start, &end, &c.Active); err != nil {
			return nil, err
		}
		c.PayPeriodStart, c.PayPeriodEnd = time.Weekday(start), time.Weekday(end)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *queries) SaveCompany(ctx context.Context, c settlement.Company) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO companies (id, name, pay_period_start, pay_period_end, active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			pay_period_start = excluded.pay_period_start,
			pay_period_end = excluded.pay_period_end,
			active = excluded.active
	`, c.ID, c.Name, int(c.PayPeriodStart), int(c.PayPeriodEnd), boolInt(c.Active))
	return err
}

const driverColumns = `id, company_id, number, name, pay_type, pay_rate,
	escrow_target, escrow_weekly_deposit, active`

func scanDriver(row interface{ Scan(...any) error }) (settlement.Driver, error) {
	var d settlement.Driver
	err := row.Scan(&d.ID, &d.CompanyID, &d.Number, &d.Name, &d.PayType, &d.PayRate,
		&d.EscrowTarget, &d.EscrowWeeklyDeposit, &d.Active)
	return d, err
}

func (s *queries) GetDriver(ctx context.Context, id settlement.DriverID) (settlement.Driver, error) {
	d, err := scanDriver(s.q.QueryRowContext(ctx,
		`SELECT `+driverColumns+` FROM drivers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return d, &settlement.NotFoundError{Kind: "driver", ID: string(id)}
	}
	return d, err
}

func (s *queries) ListSettleableDrivers(ctx context.Context, companyID settlement.CompanyID) ([]settlement.Driver, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+driverColumns+` FROM drivers WHERE company_id = ? AND active = 1 ORDER BY id`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []settlement.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *queries) SaveDriver(ctx context.Context, d settlement.Driver) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO drivers (`+driverColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			company_id = excluded.company_id,
			number = excluded.number,
			name = excluded.name,
			pay_type = excluded.pay_type,
			pay_rate = excluded.pay_rate,
			escrow_target = excluded.escrow_target,
			escrow_weekly_deposit = excluded.escrow_weekly_deposit,
			active = excluded.active
	`, d.ID, d.CompanyID, d.Number, d.Name, d.PayType, d.PayRate,
		d.EscrowTarget, d.EscrowWeeklyDeposit, boolInt(d.Active))
	return err
}

// =============================================================================
// DEDUCTION RULES
// =============================================================================

const ruleColumns = `id, driver_id, name, type, category, calculation, amount, percentage,
	per_mile_rate, frequency, min_gross_pay, max_amount, stop_limit, current_amount,
	effective_from, effective_to, active, version, created_at`

func scanRule(row interface{ Scan(...any) error }) (settlement.DeductionRule, error) {
	var r settlement.DeductionRule
	var minGross, maxAmount, stopLimit decimal.NullDecimal
	var effFrom, effTo sql.NullString
	var created string

	err := row.Scan(&r.ID, &r.DriverID, &r.Name, &r.Type, &r.Category, &r.Calculation,
		&r.Amount, &r.Percentage, &r.PerMileRate, &r.Frequency,
		&minGross, &maxAmount, &stopLimit, &r.CurrentAmount,
		&effFrom, &effTo, &r.Active, &r.Version, &created)
	if err != nil {
		return r, err
	}

	r.MinGrossPay, r.MaxAmount, r.StopLimit = decimalPtr(minGross), decimalPtr(maxAmount), decimalPtr(stopLimit)
	if effFrom.Valid {
		if r.EffectiveFrom, err = parseTime(effFrom.String); err != nil {
			return r, fmt.Errorf("rule %s effective_from: %w", r.ID, err)
		}
	}
	if r.EffectiveTo, err = parseNullTime(effTo); err != nil {
		return r, fmt.Errorf("rule %s effective_to: %w", r.ID, err)
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return r, fmt.Errorf("rule %s created_at: %w", r.ID, err)
	}
	return r, nil
}

func (s *queries) ListRules(ctx context.Context, driverID settlement.DriverID) ([]settlement.DeductionRule, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM deduction_rules WHERE driver_id = ? ORDER BY created_at, seq`, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []settlement.DeductionRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *queries) GetRule(ctx context.Context, id settlement.RuleID) (settlement.DeductionRule, error) {
	r, err := scanRule(s.q.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM deduction_rules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return r, &settlement.NotFoundError{Kind: "rule", ID: string(id)}
	}
	return r, err
}

func (s *queries) UpdateRuleProgress(ctx context.Context, id settlement.RuleID, expectedVersion int, current decimal.Decimal) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE deduction_rules SET current_amount = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, current.String(), id, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetRule(ctx, id); err != nil {
			return err
		}
		return settlement.ErrConcurrentModification
	}
	return nil
}

func (s *queries) SaveRule(ctx context.Context, r settlement.DeductionRule) error {
	if r.Version == 0 {
		r.Version = 1
	}
	var effFrom any
	if !r.EffectiveFrom.IsZero() {
		effFrom = formatTime(r.EffectiveFrom)
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO deduction_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			category = excluded.category,
			calculation = excluded.calculation,
			amount = excluded.amount,
			percentage = excluded.percentage,
			per_mile_rate = excluded.per_mile_rate,
			frequency = excluded.frequency,
			min_gross_pay = excluded.min_gross_pay,
			max_amount = excluded.max_amount,
			stop_limit = excluded.stop_limit,
			current_amount = excluded.current_amount,
			effective_from = excluded.effective_from,
			effective_to = excluded.effective_to,
			active = excluded.active,
			version = excluded.version
	`, r.ID, r.DriverID, r.Name, r.Type, r.Category, r.Calculation,
		r.Amount.String(), r.Percentage.String(), r.PerMileRate.String(), r.Frequency,
		nullDecimal(r.MinGrossPay), nullDecimal(r.MaxAmount), nullDecimal(r.StopLimit), r.CurrentAmount.String(),
		effFrom, nullTime(r.EffectiveTo), boolInt(r.Active), r.Version, formatTime(r.CreatedAt))
	return err
}
