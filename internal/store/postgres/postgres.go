package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"labelpos/backend/internal/domain"
	"labelpos/backend/internal/store"
	"labelpos/backend/internal/xid"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) UpsertRegister(ctx context.Context, r domain.CashRegister) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_registers (id, name, location, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET name = $2, location = $3, active = $4
	`, r.ID, r.Name, r.Location, r.Active, r.CreatedAt)
	return err
}

func (s *Store) UpsertVariant(ctx context.Context, v domain.Variant, stock int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO variants (id, sku, barcode, name, price_cents, active)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET sku = $2, barcode = $3, name = $4, price_cents = $5, active = $6
	`, v.ID, strings.ToUpper(v.SKU), nullIfEmpty(v.Barcode), v.Name, v.PriceCents, v.Active); err != nil {
		return mapError(err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO variant_stocks (variant_id, qty, updated_at)
		VALUES ($1,$2,now())
		ON CONFLICT (variant_id) DO UPDATE SET qty = $2, updated_at = now()
	`, v.ID, stock); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) UpsertConsumable(ctx context.Context, c domain.Consumable, stock int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consumables (id, name, unit, qty, updated_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (id) DO UPDATE SET name = $2, unit = $3, qty = $4, updated_at = now()
	`, c.ID, c.Name, c.Unit, stock)
	return err
}

func (s *Store) UpsertTemplate(ctx context.Context, t domain.Template, recipe []domain.RecipeComponent) error {
	categories, err := json.Marshal(t.Categories)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO templates (id, code, name, base_price_cents, categories, active)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET code = $2, name = $3, base_price_cents = $4, categories = $5, active = $6
	`, t.ID, strings.ToUpper(t.Code), t.Name, t.BasePriceCents, string(categories), t.Active); err != nil {
		return mapError(err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM template_recipes WHERE template_id = $1`, t.ID); err != nil {
		return err
	}
	for _, component := range recipe {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO template_recipes (template_id, consumable_id, qty_per_unit)
			VALUES ($1,$2,$3)
		`, t.ID, component.ConsumableID, component.QuantityPerUnit); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Resolve(ctx context.Context, code string) (domain.CatalogItem, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return domain.CatalogItem{}, domain.Invalid("code", "is required")
	}

	var v domain.Variant
	var barcode sql.NullString
	var stock int
	err := s.db.QueryRowContext(ctx, `
		SELECT v.id, v.sku, v.barcode, v.name, v.price_cents, v.active, COALESCE(st.qty, 0)
		FROM variants v
		LEFT JOIN variant_stocks st ON st.variant_id = v.id
		WHERE v.active = true AND (v.sku = $1 OR v.barcode = $1 OR upper(v.id) = $1)
		LIMIT 1
	`, code).Scan(&v.ID, &v.SKU, &barcode, &v.Name, &v.PriceCents, &v.Active, &stock)
	switch {
	case err == nil:
		v.Barcode = barcode.String
		return domain.CatalogItem{Kind: domain.ItemKindProduct, Variant: &v, Stock: stock}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return domain.CatalogItem{}, err
	}

	var templateID string
	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM templates
		WHERE active = true AND (code = $1 OR upper(id) = $1)
		LIMIT 1
	`, code).Scan(&templateID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CatalogItem{}, fmt.Errorf("code %s: %w", code, domain.ErrNotFound)
		}
		return domain.CatalogItem{}, err
	}

	t, err := s.GetTemplate(ctx, templateID)
	if err != nil {
		return domain.CatalogItem{}, err
	}
	recipe, err := s.ConsumablesFor(ctx, templateID)
	if err != nil {
		return domain.CatalogItem{}, err
	}
	ids := make([]string, 0, len(recipe))
	for _, component := range recipe {
		ids = append(ids, component.ConsumableID)
	}
	levels, err := s.GetStockLevels(ctx, domain.MovementConsumable, ids)
	if err != nil {
		return domain.CatalogItem{}, err
	}
	return domain.CatalogItem{Kind: domain.ItemKindTemplate, Template: t, Stock: store.BuildableUnits(recipe, levels)}, nil
}

func (s *Store) GetVariant(ctx context.Context, id string) (*domain.Variant, error) {
	var v domain.Variant
	var barcode sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sku, barcode, name, price_cents, active
		FROM variants
		WHERE id = $1
	`, id).Scan(&v.ID, &v.SKU, &barcode, &v.Name, &v.PriceCents, &v.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("variant %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	v.Barcode = barcode.String
	return &v, nil
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*domain.Template, error) {
	var t domain.Template
	var categories []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, code, name, base_price_cents, categories, active
		FROM templates
		WHERE id = $1
	`, id).Scan(&t.ID, &t.Code, &t.Name, &t.BasePriceCents, &categories, &t.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("template %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	if err := json.Unmarshal(categories, &t.Categories); err != nil {
		return nil, fmt.Errorf("decode template %s categories: %w", id, err)
	}
	return &t, nil
}

func (s *Store) GetStockLevels(ctx context.Context, kind string, ids []string) (map[string]int, error) {
	query, err := stockLevelQuery(kind)
	if err != nil {
		return nil, err
	}
	levels := make(map[string]int, len(ids))
	if len(ids) == 0 {
		return levels, nil
	}

	rows, err := s.db.QueryContext(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var qty int
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, err
		}
		levels[id] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return levels, nil
}

func (s *Store) ConsumablesFor(ctx context.Context, templateID string) ([]domain.RecipeComponent, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM templates WHERE id = $1)`, templateID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("template %s: %w", templateID, domain.ErrNotFound)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT consumable_id, qty_per_unit
		FROM template_recipes
		WHERE template_id = $1
		ORDER BY consumable_id
	`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipe := make([]domain.RecipeComponent, 0, 4)
	for rows.Next() {
		var component domain.RecipeComponent
		if err := rows.Scan(&component.ConsumableID, &component.QuantityPerUnit); err != nil {
			return nil, err
		}
		recipe = append(recipe, component)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recipe, nil
}

func (s *Store) GetRegister(ctx context.Context, id string) (*domain.CashRegister, error) {
	var r domain.CashRegister
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, location, active, created_at
		FROM cash_registers
		WHERE id = $1
	`, id).Scan(&r.ID, &r.Name, &r.Location, &r.Active, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("register %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

// CreateSession relies on the partial unique index over open sessions, so two
// concurrent opens on one register resolve to one insert and one conflict.
func (s *Store) CreateSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if session.ID == "" {
		session.ID = xid.New("sess")
	}
	if session.Status != domain.SessionStatusOpen {
		return nil, domain.Invalid("status", "new sessions must be open")
	}
	if _, err := s.GetRegister(ctx, session.RegisterID); err != nil {
		return nil, err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_sessions (
			id, register_id, cashier_id, opening_float_cents, sales_count, sales_total_cents,
			notes, status, opened_at
		)
		VALUES ($1,$2,$3,$4,0,0,'',$5,$6)
	`, session.ID, session.RegisterID, session.CashierID, session.OpeningFloatCents, session.Status, session.OpenedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("register %s already has an open session: %w", session.RegisterID, domain.ErrConflict)
		}
		return nil, err
	}

	saved := session.Clone()
	return &saved, nil
}

const sessionColumns = `
	id, register_id, cashier_id, opening_float_cents, sales_count, sales_total_cents,
	closing_float_cents, expected_cents, variance_cents, notes, status, opened_at, closed_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.CashSession, error) {
	var session domain.CashSession
	var closing, expected, variance sql.NullInt64
	var closedAt sql.NullTime
	if err := row.Scan(
		&session.ID, &session.RegisterID, &session.CashierID, &session.OpeningFloatCents,
		&session.SalesCount, &session.SalesTotalCents, &closing, &expected, &variance,
		&session.Notes, &session.Status, &session.OpenedAt, &closedAt,
	); err != nil {
		return nil, err
	}
	session.OpenedAt = session.OpenedAt.UTC()
	session.ClosingFloatCents = int64Ptr(closing)
	session.ExpectedCents = int64Ptr(expected)
	session.VarianceCents = int64Ptr(variance)
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		session.ClosedAt = &at
	}
	return &session, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.CashSession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM cash_sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return session, nil
}

func (s *Store) GetOpenSessionByRegister(ctx context.Context, registerID string) (*domain.CashSession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM cash_sessions
		WHERE register_id = $1 AND status = 'open'
	`, registerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("open session for register %s: %w", registerID, domain.ErrNotFound)
		}
		return nil, err
	}
	return session, nil
}

func (s *Store) CloseSession(ctx context.Context, id string, countedFloatCents *int64, notes string, closedAt time.Time) (*domain.CashSession, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	session, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM cash_sessions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	if err := session.Close(countedFloatCents, notes, closedAt); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE cash_sessions
		SET status = $2, closing_float_cents = $3, expected_cents = $4, variance_cents = $5, notes = $6, closed_at = $7
		WHERE id = $1
	`, session.ID, session.Status, *session.ClosingFloatCents, *session.ExpectedCents, *session.VarianceCents, session.Notes, nullTime(session.ClosedAt)); err != nil {
		return nil, mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, mapError(err)
	}
	return session, nil
}

// CommitSale writes the sale, its lines, tenders and stock movements, applies
// the decrements and bumps the session totals in one serializable transaction.
// Stock rows are locked in MergeDecrements order.
func (s *Store) CommitSale(ctx context.Context, sale domain.Sale, plan []domain.StockDecrement) (*domain.Sale, error) {
	if err := store.ValidateSale(sale); err != nil {
		return nil, err
	}
	merged, err := store.MergeDecrements(plan)
	if err != nil {
		return nil, err
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	session, err := scanSession(pgTx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM cash_sessions WHERE id = $1 FOR UPDATE`, sale.SessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", sale.SessionID, domain.ErrNotFound)
		}
		return nil, mapError(err)
	}
	if err := session.RecordSale(sale.TotalCents); err != nil {
		return nil, err
	}

	var shortages []domain.StockShortage
	for _, d := range merged {
		lockQuery, err := stockLockQuery(d.Kind)
		if err != nil {
			return nil, err
		}
		var available int
		if err := pgTx.QueryRowContext(ctx, lockQuery, d.ItemID).Scan(&available); err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return nil, mapError(err)
			}
			available = 0
		}
		if available < d.Quantity {
			shortages = append(shortages, domain.StockShortage{Kind: d.Kind, ItemID: d.ItemID, Requested: d.Quantity, Available: available})
		}
	}
	if len(shortages) > 0 {
		return nil, &domain.InsufficientStockError{Shortages: shortages}
	}

	for _, d := range merged {
		decrement, err := stockDecrementQuery(d.Kind)
		if err != nil {
			return nil, err
		}
		res, err := pgTx.ExecContext(ctx, decrement, d.Quantity, d.ItemID)
		if err != nil {
			return nil, mapError(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, &domain.InsufficientStockError{Shortages: []domain.StockShortage{{Kind: d.Kind, ItemID: d.ItemID, Requested: d.Quantity}}}
		}
	}

	var customer any
	if sale.Customer != nil {
		raw, err := json.Marshal(sale.Customer)
		if err != nil {
			return nil, err
		}
		customer = string(raw)
	}
	if _, err := pgTx.ExecContext(ctx, `
		INSERT INTO sales (
			id, order_number, session_id, register_id, cashier_id, idempotency_key,
			subtotal_cents, discount_cents, tax_rate, tax_cents, total_cents,
			payment_method, tendered_cents, change_cents, customer, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, sale.ID, sale.OrderNumber, sale.SessionID, session.RegisterID, session.CashierID, nullIfEmpty(sale.IdempotencyKey),
		sale.SubtotalCents, sale.DiscountCents, sale.TaxRate, sale.TaxCents, sale.TotalCents,
		sale.PaymentMethod, sale.TenderedCents, sale.ChangeCents, customer, sale.CreatedAt); err != nil {
		return nil, mapError(err)
	}

	for _, line := range sale.Lines {
		zones, err := json.Marshal(line.Zones)
		if err != nil {
			return nil, err
		}
		if line.Zones == nil {
			zones = []byte("[]")
		}
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_lines (
				sale_id, line_no, kind, variant_id, template_id, description, zones,
				unit_price_cents, qty, line_total_cents
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, sale.ID, line.LineNo, line.Kind, nullIfEmpty(line.VariantID), nullIfEmpty(line.TemplateID), line.Description, string(zones),
			line.UnitPriceCents, line.Quantity, line.LineTotalCents); err != nil {
			return nil, mapError(err)
		}
	}

	for i, t := range sale.Tenders {
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_tenders (sale_id, seq, method, amount_cents, reference)
			VALUES ($1,$2,$3,$4,$5)
		`, sale.ID, i+1, t.Method, t.AmountCents, nullIfEmpty(t.Reference)); err != nil {
			return nil, mapError(err)
		}
	}

	for _, d := range merged {
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO stock_movements (id, sale_id, kind, item_id, qty, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, xid.New("mov"), sale.ID, d.Kind, d.ItemID, -d.Quantity, sale.CreatedAt); err != nil {
			return nil, mapError(err)
		}
	}

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE cash_sessions
		SET sales_count = $2, sales_total_cents = $3
		WHERE id = $1
	`, session.ID, session.SalesCount, session.SalesTotalCents); err != nil {
		return nil, mapError(err)
	}

	if err := pgTx.Commit(); err != nil {
		return nil, mapError(err)
	}

	sale.RegisterID = session.RegisterID
	sale.CashierID = session.CashierID
	return &sale, nil
}

func (s *Store) FindSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	return s.findSale(ctx, "id", id)
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	return s.findSale(ctx, "idempotency_key", key)
}

const saleColumns = `
	id, order_number, session_id, register_id, cashier_id, COALESCE(idempotency_key, ''),
	subtotal_cents, discount_cents, tax_rate, tax_cents, total_cents,
	payment_method, tendered_cents, change_cents, customer, created_at
`

func scanSale(row rowScanner) (*domain.Sale, error) {
	var sale domain.Sale
	var customer []byte
	if err := row.Scan(
		&sale.ID, &sale.OrderNumber, &sale.SessionID, &sale.RegisterID, &sale.CashierID, &sale.IdempotencyKey,
		&sale.SubtotalCents, &sale.DiscountCents, &sale.TaxRate, &sale.TaxCents, &sale.TotalCents,
		&sale.PaymentMethod, &sale.TenderedCents, &sale.ChangeCents, &customer, &sale.CreatedAt,
	); err != nil {
		return nil, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	if len(customer) > 0 {
		var info domain.CustomerInfo
		if err := json.Unmarshal(customer, &info); err != nil {
			return nil, fmt.Errorf("decode sale %s customer: %w", sale.ID, err)
		}
		sale.Customer = &info
	}
	return &sale, nil
}

func (s *Store) findSale(ctx context.Context, column string, value string) (*domain.Sale, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE `+column+` = $1`, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sale %s=%s: %w", column, value, domain.ErrNotFound)
		}
		return nil, err
	}
	if err := s.loadSaleDetail(ctx, sale); err != nil {
		return nil, err
	}
	return sale, nil
}

func (s *Store) loadSaleDetail(ctx context.Context, sale *domain.Sale) error {
	lineRows, err := s.db.QueryContext(ctx, `
		SELECT line_no, kind, COALESCE(variant_id, ''), COALESCE(template_id, ''), description, zones,
			unit_price_cents, qty, line_total_cents
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY line_no
	`, sale.ID)
	if err != nil {
		return err
	}
	defer lineRows.Close()

	sale.Lines = make([]domain.SaleLine, 0, 8)
	for lineRows.Next() {
		var line domain.SaleLine
		var zones []byte
		if err := lineRows.Scan(&line.LineNo, &line.Kind, &line.VariantID, &line.TemplateID, &line.Description, &zones,
			&line.UnitPriceCents, &line.Quantity, &line.LineTotalCents); err != nil {
			return err
		}
		if err := json.Unmarshal(zones, &line.Zones); err != nil {
			return fmt.Errorf("decode sale %s line %d zones: %w", sale.ID, line.LineNo, err)
		}
		if len(line.Zones) == 0 {
			line.Zones = nil
		}
		sale.Lines = append(sale.Lines, line)
	}
	if err := lineRows.Err(); err != nil {
		return err
	}

	tenderRows, err := s.db.QueryContext(ctx, `
		SELECT method, amount_cents, COALESCE(reference, '')
		FROM sale_tenders
		WHERE sale_id = $1
		ORDER BY seq
	`, sale.ID)
	if err != nil {
		return err
	}
	defer tenderRows.Close()

	sale.Tenders = make([]domain.Tender, 0, 2)
	for tenderRows.Next() {
		var t domain.Tender
		if err := tenderRows.Scan(&t.Method, &t.AmountCents, &t.Reference); err != nil {
			return err
		}
		sale.Tenders = append(sale.Tenders, t)
	}
	return tenderRows.Err()
}

func (s *Store) ListSessionSales(ctx context.Context, sessionID string, limit int) ([]domain.Sale, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		sales = append(sales, *sale)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range sales {
		if err := s.loadSaleDetail(ctx, &sales[i]); err != nil {
			return nil, err
		}
	}
	return sales, nil
}

func (s *Store) ListStockMovements(ctx context.Context, saleID string) ([]domain.StockMovement, error) {
	if _, err := s.FindSaleByID(ctx, saleID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, kind, item_id, qty, created_at
		FROM stock_movements
		WHERE sale_id = $1
		ORDER BY kind DESC, item_id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, 4)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.SaleID, &m.Kind, &m.ItemID, &m.Quantity, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.StoreID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.StoreID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return domain.Invalid("username", "username and password are required")
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	return mapError(err)
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, active, created_at
		FROM users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return domain.Invalid("password", "is required")
	}

	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = $2 WHERE username = $1`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("user %s: %w", username, domain.ErrNotFound)
	}
	return nil
}

func stockLevelQuery(kind string) (string, error) {
	switch kind {
	case domain.MovementVariant:
		return `SELECT variant_id, qty FROM variant_stocks WHERE variant_id = ANY($1)`, nil
	case domain.MovementConsumable:
		return `SELECT id, qty FROM consumables WHERE id = ANY($1)`, nil
	default:
		return "", domain.Invalid("kind", fmt.Sprintf("unknown stock kind %q", kind))
	}
}

func stockLockQuery(kind string) (string, error) {
	switch kind {
	case domain.MovementVariant:
		return `SELECT qty FROM variant_stocks WHERE variant_id = $1 FOR UPDATE`, nil
	case domain.MovementConsumable:
		return `SELECT qty FROM consumables WHERE id = $1 FOR UPDATE`, nil
	default:
		return "", domain.Invalid("kind", fmt.Sprintf("unknown stock kind %q", kind))
	}
}

// The qty guard makes a lost race show up as zero affected rows instead of a
// negative balance.
func stockDecrementQuery(kind string) (string, error) {
	switch kind {
	case domain.MovementVariant:
		return `UPDATE variant_stocks SET qty = qty - $1, updated_at = now() WHERE variant_id = $2 AND qty >= $1`, nil
	case domain.MovementConsumable:
		return `UPDATE consumables SET qty = qty - $1, updated_at = now() WHERE id = $2 AND qty >= $1`, nil
	default:
		return "", domain.Invalid("kind", fmt.Sprintf("unknown stock kind %q", kind))
	}
}

// mapError folds unique violations and serialization failures into
// domain.ErrConflict and passes everything else through.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, domain.ErrConflict)
		case "40001", "40P01":
			return fmt.Errorf("concurrent update, retry: %w", domain.ErrConflict)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	out := v.Int64
	return &out
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
