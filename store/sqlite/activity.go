package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// ACTIVITY - "find unsettled in period" queries
// =============================================================================

// A record is unsettled when settled_at is NULL and no live settlement
// claims it. Loads are claimed through settlement_loads; everything else
// through a line item source.

const loadColumns = `l.id, l.company_id, l.driver_id, l.number, l.status, l.delivered_at,
	l.loaded_miles, l.empty_miles, l.revenue, l.fuel_surcharge, l.driver_pay,
	l.settlement_id, l.settled_at`

func scanLoad(rows *sql.Rows) (settlement.Load, error) {
	var l settlement.Load
	var delivered, settledAt, settlementID sql.NullString
	err := rows.Scan(&l.ID, &l.CompanyID, &l.DriverID, &l.Number, &l.Status, &delivered,
		&l.LoadedMiles, &l.EmptyMiles, &l.Revenue, &l.FuelSurcharge, &l.DriverPay,
		&settlementID, &settledAt)
	if err != nil {
		return l, err
	}
	if l.DeliveredAt, err = parseNullTime(delivered); err != nil {
		return l, fmt.Errorf("load %s delivered_at: %w", l.ID, err)
	}
	if l.SettledAt, err = parseNullTime(settledAt); err != nil {
		return l, fmt.Errorf("load %s settled_at: %w", l.ID, err)
	}
	l.SettlementID = settlement.SettlementID(settlementID.String)
	return l, nil
}

func (s *queries) queryLoads(ctx context.Context, query string, args ...any) ([]settlement.Load, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []settlement.Load
	for rows.Next() {
		l, err := scanLoad(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *queries) UnsettledLoads(ctx context.Context, driverID settlement.DriverID, period settlement.Period) ([]settlement.Load, error) {
	statuses := make([]any, len(settlement.SettleableLoadStatuses))
	for i, st := range settlement.SettleableLoadStatuses {
		statuses[i] = string(st)
	}
	args := append([]any{driverID, formatTime(period.Start), formatTime(period.EndExclusive())}, statuses...)

	return s.queryLoads(ctx, `
		SELECT `+loadColumns+`
		FROM loads l
		WHERE l.driver_id = ?
		  AND l.delivered_at >= ? AND l.delivered_at < ?
		  AND l.settled_at IS NULL
		  AND l.status IN (`+placeholders(len(statuses))+`)
		  AND NOT EXISTS (
			SELECT 1 FROM settlement_loads sl
			JOIN settlements st ON st.id = sl.settlement_id
			WHERE sl.load_id = l.id AND st.`+liveStatuses+`
		  )
		ORDER BY l.delivered_at, l.id
	`, args...)
}

func (s *queries) ListLoads(ctx context.Context, companyID settlement.CompanyID, period settlement.Period) ([]settlement.Load, error) {
	return s.queryLoads(ctx, `
		SELECT `+loadColumns+`
		FROM loads l
		WHERE l.company_id = ? AND l.delivered_at >= ? AND l.delivered_at < ?
		ORDER BY l.id
	`, companyID, formatTime(period.Start), formatTime(period.EndExclusive()))
}

func (s *queries) Accessorials(ctx context.Context, loadIDs []settlement.LoadID) ([]settlement.AccessorialCharge, error) {
	if len(loadIDs) == 0 {
		return nil, nil
	}
	args := make([]any, len(loadIDs))
	for i, id := range loadIDs {
		args[i] = string(id)
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, load_id, type, description, amount, approved
		FROM accessorial_charges
		WHERE approved = 1 AND load_id IN (`+placeholders(len(args))+`)
		ORDER BY id
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []settlement.AccessorialCharge
	for rows.Next() {
		var a settlement.AccessorialCharge
		if err := rows.Scan(&a.ID, &a.LoadID, &a.Type, &a.Description, &a.Amount, &a.Approved); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// unclaimed is the NOT EXISTS clause for line-item-claimed records.
func unclaimed(kind settlement.SourceKind, idColumn string) string {
	return `NOT EXISTS (
		SELECT 1 FROM settlement_deductions d
		JOIN settlements st ON st.id = d.settlement_id
		WHERE d.source_kind = '` + string(kind) + `' AND d.source_id = ` + idColumn + `
		  AND st.` + liveStatuses + `
	)`
}

func (s *queries) UnsettledExpenses(ctx context.Context, driverID settlement.DriverID, period settlement.Period) ([]settlement.LoadExpense, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT e.id, e.load_id, e.driver_id, e.type, e.treatment, e.amount, e.vendor, e.incurred_at, e.approved
		FROM load_expenses e
		WHERE e.driver_id = ? AND e.approved = 1 AND e.settled_at IS NULL
		  AND e.incurred_at >= ? AND e.incurred_at < ?
		  AND `+unclaimed(settlement.SourceExpense, "e.id")+`
		ORDER BY e.id
	`, driverID, formatTime(period.Start), formatTime(period.EndExclusive()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []settlement.LoadExpense
	for rows.Next() {
		var e settlement.LoadExpense
		var incurred string
		if err := rows.Scan(&e.ID, &e.LoadID, &e.DriverID, &e.Type, &e.Treatment, &e.Amount,
			&e.Vendor, &incurred, &e.Approved); err != nil {
			return nil, err
		}
		if e.IncurredAt, err = parseTime(incurred); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *queries) UnsettledFuelEntries(ctx context.Context, driverID settlement.DriverID, period settlement.Period) ([]settlement.FuelEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT f.id, f.driver_id, f.gallons, f.amount, f.location, f.purchased_at, f.driver_chargeable
		FROM fuel_entries f
		WHERE f.driver_id = ? AND f.settled_at IS NULL
		  AND f.purchased_at >= ? AND f.purchased_at < ?
		  AND `+unclaimed(settlement.SourceFuelEntry, "f.id")+`
		ORDER BY f.id
	`, driverID, formatTime(period.Start), formatTime(period.EndExclusive()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []settlement.FuelEntry
	for rows.Next() {
		var f settlement.FuelEntry
		var purchased string
		if err := rows.Scan(&f.ID, &f.DriverID, &f.Gallons, &f.Amount, &f.Location, &purchased, &f.DriverChargeable); err != nil {
			return nil, err
		}
		if f.PurchasedAt, err = parseTime(purchased); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *queries) UnsettledAdvances(ctx context.Context, driverID settlement.DriverID, period settlement.Period) ([]settlement.DriverAdvance, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT a.id, a.driver_id, a.amount, a.reason, a.issued_at, a.approved
		FROM driver_advances a
		WHERE a.driver_id = ? AND a.approved = 1 AND a.settled_at IS NULL
		  AND a.issued_at >= ? AND a.issued_at < ?
		  AND `+unclaimed(settlement.SourceAdvance, "a.id")+`
		ORDER BY a.id
	`, driverID, formatTime(period.Start), formatTime(period.EndExclusive()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []settlement.DriverAdvance
	for rows.Next() {
		var a settlement.DriverAdvance
		var issued string
		if err := rows.Scan(&a.ID, &a.DriverID, &a.Amount, &a.Reason, &issued, &a.Approved); err != nil {
			return nil, err
		}
		if a.IssuedAt, err = parseTime(issued); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *queries) OpenNegativeBalances(ctx context.Context, driverID settlement.DriverID) ([]settlement.NegativeBalance, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT b.id, b.driver_id, b.amount, b.origin_settlement_id, b.origin_number, b.created_at
		FROM driver_negative_balances b
		WHERE b.driver_id = ? AND b.applied_at IS NULL
		  AND `+unclaimed(settlement.SourceNegativeBalance, "b.id")+`
		ORDER BY b.created_at, b.id
	`, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []settlement.NegativeBalance
	for rows.Next() {
		var nb settlement.NegativeBalance
		var created string
		if err := rows.Scan(&nb.ID, &nb.DriverID, &nb.Amount, &nb.OriginSettlementID, &nb.OriginNumber, &created); err != nil {
			return nil, err
		}
		if nb.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, nb)
	}
	return out, rows.Err()
}

func (s *queries) RecordNegativeBalance(ctx context.Context, nb settlement.NegativeBalance) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO driver_negative_balances (id, driver_id, amount, origin_settlement_id, origin_number,
			created_at, applied_settlement_id, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, nb.ID, nb.DriverID, nb.Amount.String(), nb.OriginSettlementID, nb.OriginNumber,
		formatTime(nb.CreatedAt), nullString(string(nb.AppliedSettlementID)), nullTime(nb.AppliedAt))
	return mapError(err)
}

// MarkSettled sets settlement_id/settled_at on every record, refusing ones
// that are already settled. Negative balances get applied_settlement_id and
// applied_at instead.
func (s *queries) MarkSettled(ctx context.Context, refs settlement.SettledRefs) error {
	at := formatTime(refs.At)
	markColumns := func(table, kind, idCol, atCol string, ids []string) error {
		for _, id := range ids {
			res, err := s.q.ExecContext(ctx,
				`UPDATE `+table+` SET `+idCol+` = ?, `+atCol+` = ? WHERE id = ? AND `+atCol+` IS NULL`,
				refs.SettlementID, at, id)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				var exists int
				err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&exists)
				if err != nil {
					return err
				}
				if exists == 0 {
					return &settlement.NotFoundError{Kind: kind, ID: id}
				}
				return fmt.Errorf("%s %s already settled: %w", kind, id, settlement.ErrConcurrentModification)
			}
		}
		return nil
	}
	mark := func(table, kind string, ids []string) error {
		return markColumns(table, kind, "settlement_id", "settled_at", ids)
	}

	if err := mark("loads", "load", stringIDs(refs.Loads)); err != nil {
		return err
	}
	if err := mark("load_expenses", "expense", stringIDs(refs.Expenses)); err != nil {
		return err
	}
	if err := mark("fuel_entries", "fuel entry", stringIDs(refs.FuelEntries)); err != nil {
		return err
	}
	if err := mark("driver_advances", "advance", stringIDs(refs.Advances)); err != nil {
		return err
	}
	return markColumns("driver_negative_balances", "negative balance",
		"applied_settlement_id", "applied_at", stringIDs(refs.NegativeBalances))
}

func stringIDs[T ~string](ids []T) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func (s *queries) ListInvoices(ctx context.Context, companyID settlement.CompanyID) ([]settlement.Invoice, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT i.id, i.company_id, i.subtotal, i.fuel_surcharge, i.issued_at, COALESCE(il.load_id, '')
		FROM invoices i
		LEFT JOIN invoice_loads il ON il.invoice_id = i.id
		WHERE i.company_id = ?
		ORDER BY i.id, il.load_id
	`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []settlement.Invoice
	for rows.Next() {
		var inv settlement.Invoice
		var issued, loadID string
		if err := rows.Scan(&inv.ID, &inv.CompanyID, &inv.Subtotal, &inv.FuelSurcharge, &issued, &loadID); err != nil {
			return nil, err
		}
		if n := len(out); n > 0 && out[n-1].ID == inv.ID {
			if loadID != "" {
				out[n-1].LoadIDs = append(out[n-1].LoadIDs, settlement.LoadID(loadID))
			}
			continue
		}
		if inv.IssuedAt, err = parseTime(issued); err != nil {
			return nil, err
		}
		if loadID != "" {
			inv.LoadIDs = []settlement.LoadID{settlement.LoadID(loadID)}
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// =============================================================================
// SEEDER - activity writes owned by other subsystems
// =============================================================================

func (s *queries) SaveLoad(ctx context.Context, l settlement.Load) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO loads (id, company_id, driver_id, number, status, delivered_at,
			loaded_miles, empty_miles, revenue, fuel_surcharge, driver_pay, settlement_id, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.CompanyID, l.DriverID, l.Number, l.Status, nullTime(l.DeliveredAt),
		l.LoadedMiles.String(), l.EmptyMiles.String(), l.Revenue.String(), l.FuelSurcharge.String(),
		l.DriverPay.String(), nullString(string(l.SettlementID)), nullTime(l.SettledAt))
	return err
}

func (s *queries) SaveAccessorial(ctx context.Context, a settlement.AccessorialCharge) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO accessorial_charges (id, load_id, type, description, amount, approved)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.LoadID, a.Type, a.Description, a.Amount.String(), boolInt(a.Approved))
	return err
}

func (s *queries) SaveExpense(ctx context.Context, e settlement.LoadExpense) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO load_expenses (id, load_id, driver_id, type, treatment, amount, vendor,
			incurred_at, approved, settlement_id, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.LoadID, e.DriverID, e.Type, e.Treatment, e.Amount.String(), e.Vendor,
		formatTime(e.IncurredAt), boolInt(e.Approved), nullString(string(e.SettlementID)), nullTime(e.SettledAt))
	return err
}

func (s *queries) SaveFuelEntry(ctx context.Context, f settlement.FuelEntry) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO fuel_entries (id, driver_id, gallons, amount, location, purchased_at,
			driver_chargeable, settlement_id, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.DriverID, f.Gallons.String(), f.Amount.String(), f.Location, formatTime(f.PurchasedAt),
		boolInt(f.DriverChargeable), nullString(string(f.SettlementID)), nullTime(f.SettledAt))
	return err
}

func (s *queries) SaveAdvance(ctx context.Context, a settlement.DriverAdvance) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO driver_advances (id, driver_id, amount, reason, issued_at, approved,
			settlement_id, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.DriverID, a.Amount.String(), a.Reason, formatTime(a.IssuedAt), boolInt(a.Approved),
		nullString(string(a.SettlementID)), nullTime(a.SettledAt))
	return err
}

func (s *queries) SaveInvoice(ctx context.Context, inv settlement.Invoice) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM invoice_loads WHERE invoice_id = ?`, inv.ID); err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO invoices (id, company_id, subtotal, fuel_surcharge, issued_at)
		VALUES (?, ?, ?, ?, ?)
	`, inv.ID, inv.CompanyID, inv.Subtotal.String(), inv.FuelSurcharge.String(), formatTime(inv.IssuedAt)); err != nil {
		return err
	}
	for _, id := range inv.LoadIDs {
		if _, err := s.q.ExecContext(ctx,
			`INSERT INTO invoice_loads (invoice_id, load_id) VALUES (?, ?)`, inv.ID, id); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
