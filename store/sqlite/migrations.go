package sqlite

// schema is applied on every New(). Statements are idempotent.
//
// Money is stored as TEXT (decimal string) to keep cents exact.
// Calendar days are "YYYY-MM-DD"; instants use timestampLayout so that
// string comparison orders them correctly.
const schema = `
-- Master data (owned by the settings subsystem)
CREATE TABLE IF NOT EXISTS companies (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	pay_period_start INTEGER NOT NULL DEFAULT 1,
	pay_period_end INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS drivers (
	id TEXT PRIMARY KEY,
	company_id TEXT NOT NULL REFERENCES companies(id),
	number TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	pay_type TEXT NOT NULL,
	pay_rate TEXT NOT NULL,
	escrow_target TEXT NOT NULL DEFAULT '0',
	escrow_weekly_deposit TEXT NOT NULL DEFAULT '0',
	active INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_drivers_company ON drivers(company_id, active);

-- seq preserves creation order for deterministic evaluation
CREATE TABLE IF NOT EXISTS deduction_rules (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	driver_id TEXT NOT NULL REFERENCES drivers(id),
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	category TEXT NOT NULL CHECK (category IN ('addition', 'deduction')),
	calculation TEXT NOT NULL,
	amount TEXT NOT NULL DEFAULT '0',
	percentage TEXT NOT NULL DEFAULT '0',
	per_mile_rate TEXT NOT NULL DEFAULT '0',
	frequency TEXT NOT NULL,
	min_gross_pay TEXT,
	max_amount TEXT,
	stop_limit TEXT,
	current_amount TEXT NOT NULL DEFAULT '0',
	effective_from TEXT,
	effective_to TEXT,
	active INTEGER NOT NULL DEFAULT 1,
	version INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rules_driver ON deduction_rules(driver_id, created_at, seq);

-- Activity (owned by dispatch/accounting; the engine only writes settled markers)
CREATE TABLE IF NOT EXISTS loads (
	id TEXT PRIMARY KEY,
	company_id TEXT NOT NULL,
	driver_id TEXT NOT NULL,
	number TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	delivered_at TEXT,
	loaded_miles TEXT NOT NULL DEFAULT '0',
	empty_miles TEXT NOT NULL DEFAULT '0',
	revenue TEXT NOT NULL DEFAULT '0',
	fuel_surcharge TEXT NOT NULL DEFAULT '0',
	driver_pay TEXT NOT NULL DEFAULT '0',
	settlement_id TEXT,
	settled_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_loads_driver_delivered ON loads(driver_id, delivered_at);
CREATE INDEX IF NOT EXISTS idx_loads_company_delivered ON loads(company_id, delivered_at);

CREATE TABLE IF NOT EXISTS accessorial_charges (
	id TEXT PRIMARY KEY,
	load_id TEXT NOT NULL,
	type TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	amount TEXT NOT NULL,
	approved INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_accessorials_load ON accessorial_charges(load_id);

CREATE TABLE IF NOT EXISTS load_expenses (
	id TEXT PRIMARY KEY,
	load_id TEXT NOT NULL DEFAULT '',
	driver_id TEXT NOT NULL,
	type TEXT NOT NULL,
	treatment TEXT NOT NULL,
	amount TEXT NOT NULL,
	vendor TEXT NOT NULL DEFAULT '',
	incurred_at TEXT NOT NULL,
	approved INTEGER NOT NULL DEFAULT 0,
	settlement_id TEXT,
	settled_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_expenses_driver ON load_expenses(driver_id, incurred_at);

CREATE TABLE IF NOT EXISTS fuel_entries (
	id TEXT PRIMARY KEY,
	driver_id TEXT NOT NULL,
	gallons TEXT NOT NULL DEFAULT '0',
	amount TEXT NOT NULL,
	location TEXT NOT NULL DEFAULT '',
	purchased_at TEXT NOT NULL,
	driver_chargeable INTEGER NOT NULL DEFAULT 0,
	settlement_id TEXT,
	settled_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_fuel_driver ON fuel_entries(driver_id, purchased_at);

CREATE TABLE IF NOT EXISTS driver_advances (
	id TEXT PRIMARY KEY,
	driver_id TEXT NOT NULL,
	amount TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	issued_at TEXT NOT NULL,
	approved INTEGER NOT NULL DEFAULT 0,
	settlement_id TEXT,
	settled_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_advances_driver ON driver_advances(driver_id, issued_at);

-- Shortfalls carried into the driver's next settlement
CREATE TABLE IF NOT EXISTS driver_negative_balances (
	id TEXT PRIMARY KEY,
	driver_id TEXT NOT NULL,
	amount TEXT NOT NULL,
	origin_settlement_id TEXT NOT NULL,
	origin_number TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	applied_settlement_id TEXT,
	applied_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_negative_balances_driver ON driver_negative_balances(driver_id, applied_at);

CREATE TABLE IF NOT EXISTS invoices (
	id TEXT PRIMARY KEY,
	company_id TEXT NOT NULL,
	subtotal TEXT NOT NULL,
	fuel_surcharge TEXT NOT NULL DEFAULT '0',
	issued_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS invoice_loads (
	invoice_id TEXT NOT NULL REFERENCES invoices(id),
	load_id TEXT NOT NULL,
	PRIMARY KEY (invoice_id, load_id)
);

-- Settlements
CREATE TABLE IF NOT EXISTS settlements (
	id TEXT PRIMARY KEY,
	number TEXT NOT NULL UNIQUE,
	company_id TEXT NOT NULL,
	driver_id TEXT NOT NULL,
	period_start TEXT NOT NULL,
	period_end TEXT NOT NULL,
	gross_pay TEXT NOT NULL,
	total_additions TEXT NOT NULL,
	total_deductions TEXT NOT NULL,
	net_pay TEXT NOT NULL,
	status TEXT NOT NULL,
	approval_status TEXT NOT NULL,
	paid_date TEXT,
	payment_method TEXT NOT NULL DEFAULT '',
	payment_reference TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 1,
	calculated_at TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

-- CRITICAL: one live settlement per driver and period.
-- Rejected and cancelled rows stay for audit and don't block regeneration.
CREATE UNIQUE INDEX IF NOT EXISTS idx_settlements_live_driver_period
	ON settlements(driver_id, period_start, period_end)
	WHERE status NOT IN ('CANCELLED', 'REJECTED');

CREATE INDEX IF NOT EXISTS idx_settlements_company_period
	ON settlements(company_id, period_start, period_end);

CREATE TABLE IF NOT EXISTS settlement_loads (
	settlement_id TEXT NOT NULL REFERENCES settlements(id),
	load_id TEXT NOT NULL,
	load_number TEXT NOT NULL DEFAULT '',
	miles TEXT NOT NULL,
	revenue TEXT NOT NULL,
	pay TEXT NOT NULL,
	accessorial TEXT NOT NULL DEFAULT '0',
	applied_rule TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (settlement_id, load_id)
);

CREATE INDEX IF NOT EXISTS idx_settlement_loads_load ON settlement_loads(load_id);

CREATE TABLE IF NOT EXISTS settlement_deductions (
	id TEXT PRIMARY KEY,
	settlement_id TEXT NOT NULL REFERENCES settlements(id),
	seq INTEGER NOT NULL,
	type TEXT NOT NULL,
	category TEXT NOT NULL CHECK (category IN ('addition', 'deduction')),
	description TEXT NOT NULL DEFAULT '',
	amount TEXT NOT NULL,
	source_kind TEXT NOT NULL DEFAULT '',
	source_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_settlement_deductions_settlement ON settlement_deductions(settlement_id, seq);
CREATE INDEX IF NOT EXISTS idx_settlement_deductions_source ON settlement_deductions(source_kind, source_id);

-- Append-only audit trail
CREATE TABLE IF NOT EXISTS settlement_approvals (
	id TEXT PRIMARY KEY,
	settlement_id TEXT NOT NULL REFERENCES settlements(id),
	action TEXT NOT NULL,
	status TEXT NOT NULL,
	approval_status TEXT NOT NULL,
	actor_id TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_settlement_approvals_settlement ON settlement_approvals(settlement_id, created_at);

CREATE TABLE IF NOT EXISTS generation_runs (
	id TEXT PRIMARY KEY,
	company_id TEXT NOT NULL,
	period_start TEXT NOT NULL,
	period_end TEXT NOT NULL,
	trigger_source TEXT NOT NULL,
	mode TEXT NOT NULL,
	status TEXT NOT NULL,
	created INTEGER NOT NULL DEFAULT 0,
	skipped INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	completed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_generation_runs_company ON generation_runs(company_id, started_at);
`

// resetTables lists tables in delete order (children first).
var resetTables = []string{
	"settlement_approvals",
	"settlement_deductions",
	"settlement_loads",
	"settlements",
	"generation_runs",
	"driver_negative_balances",
	"invoice_loads",
	"invoices",
	"driver_advances",
	"fuel_entries",
	"load_expenses",
	"accessorial_charges",
	"loads",
	"deduction_rules",
	"drivers",
	"companies",
}
