package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/WesGarrett/Medallion-Warehouse/internal/db"
	"github.com/WesGarrett/Medallion-Warehouse/internal/model"
)

// --- silver ---

// EmailOwners implements Silver.
func (s *SQLite) EmailOwners(ctx context.Context, emails, userIDs []string) (map[string]string, error) {
	ctx, done := s.tr.begin(ctx, "silver.email_owners")
	defer done()

	owners := make(map[string]string)
	scan := func(rows *sql.Rows) error {
		var email, userID string
		if err := rows.Scan(&email, &userID); err != nil {
			return err
		}
		owners[email] = userID
		return nil
	}
	if err := s.queryIn(ctx, `SELECT email, user_id FROM silver.crm_users WHERE email IN (%s)`, emails, scan); err != nil {
		return nil, eris.Wrap(err, "sqlite: query email owners")
	}
	if err := s.queryIn(ctx, `SELECT email, user_id FROM silver.crm_users WHERE user_id IN (%s)`, userIDs, scan); err != nil {
		return nil, eris.Wrap(err, "sqlite: query email owners")
	}
	return owners, nil
}

// WriteProducts implements Silver.
func (s *SQLite) WriteProducts(ctx context.Context, rows []model.Product) error {
	data := make([][]any, len(rows))
	for i, r := range rows {
		data[i] = []any{r.ProductID, liteNullable(r.ProductName), liteNullable(r.Category),
			liteDecimalPtr(r.ListPrice), liteTime(r.LoadedAt)}
	}
	return s.writeRows(ctx, "silver.write_products", silverProducts, data)
}

// WriteUsers implements Silver.
func (s *SQLite) WriteUsers(ctx context.Context, rows []model.User) error {
	data := make([][]any, len(rows))
	for i, r := range rows {
		data[i] = []any{r.UserID, liteNullable(r.FirstName), liteNullable(r.LastName), r.Email,
			liteNullable(r.Phone), liteNullable(r.State), liteNullable(r.City), liteDatePtr(r.SignupDate),
			liteNullable(r.PlanTier), liteTime(r.LoadedAt)}
	}
	return s.writeRows(ctx, "silver.write_users", silverUsers, data)
}

// WriteTransactions implements Silver.
func (s *SQLite) WriteTransactions(ctx context.Context, rows []model.Transaction) error {
	data := make([][]any, len(rows))
	for i, r := range rows {
		data[i] = []any{r.TransactionID, liteNullable(r.UserID), r.ProductID, liteNullable(r.ProductName),
			liteNullable(r.Category), liteDecimal(r.Quantity), liteDecimal(r.UnitPrice), liteDecimal(r.TotalAmount),
			r.IsRefund, liteNullable(r.Region), liteDate(r.TransactionDate), liteTime(r.LoadedAt)}
	}
	return s.writeRows(ctx, "silver.write_transactions", silverTransactions, data)
}

// WriteWebEvents implements Silver.
func (s *SQLite) WriteWebEvents(ctx context.Context, rows []model.WebEvent) error {
	data := make([][]any, len(rows))
	for i, r := range rows {
		data[i] = []any{r.SessionID, r.UserID, r.EventType, liteNullable(r.PageURL), liteNullable(r.Referrer),
			liteNullable(r.DeviceType), liteTimePtr(r.EventTS), liteNullable(r.Country), liteTime(r.LoadedAt)}
	}
	return s.writeRows(ctx, "silver.write_web_events", silverWebEvents, data)
}

// writeRows applies one upsert per row, in order, inside a transaction.
func (s *SQLite) writeRows(ctx context.Context, op string, cfg db.UpsertConfig, data [][]any) error {
	if len(data) == 0 {
		return nil
	}
	ctx, done := s.tr.begin(ctx, op)
	defer done()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert %s: begin tx", cfg.Table)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt := liteUpsertSQL(cfg, "")
	for _, args := range data {
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return eris.Wrapf(err, "sqlite: upsert %s key %v", cfg.Table, args[0])
		}
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrapf(err, "sqlite: upsert %s: commit tx", cfg.Table)
	}
	return nil
}

// Products implements Silver.
func (s *SQLite) Products(ctx context.Context, ids []string) ([]model.Product, error) {
	ctx, done := s.tr.begin(ctx, "silver.products")
	defer done()

	var out []model.Product
	err := s.queryIn(ctx,
		`SELECT product_id, product_name, category, list_price, loaded_at
		 FROM silver.products WHERE product_id IN (%s) ORDER BY product_id`, ids,
		func(rows *sql.Rows) error {
			var (
				r                     model.Product
				name, category, price sql.NullString
				loadedAt              string
				err                   error
			)
			if err := rows.Scan(&r.ProductID, &name, &category, &price, &loadedAt); err != nil {
				return err
			}
			r.ProductName, r.Category = liteString(name), liteString(category)
			if r.ListPrice, err = parseLiteDecimal(price); err != nil {
				return err
			}
			if r.LoadedAt, err = parseLiteTime(loadedAt); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query silver products")
	}
	return out, nil
}

// Users implements Silver.
func (s *SQLite) Users(ctx context.Context, ids []string) ([]model.User, error) {
	ctx, done := s.tr.begin(ctx, "silver.users")
	defer done()

	var out []model.User
	err := s.queryIn(ctx,
		`SELECT user_id, first_name, last_name, email, phone, state, city, signup_date, plan_tier, loaded_at
		 FROM silver.crm_users WHERE user_id IN (%s) ORDER BY user_id`, ids,
		func(rows *sql.Rows) error {
			var (
				r                               model.User
				first, last, phone, state, city sql.NullString
				signup, plan                    sql.NullString
				loadedAt                        string
				err                             error
			)
			if err := rows.Scan(&r.UserID, &first, &last, &r.Email, &phone, &state, &city, &signup, &plan, &loadedAt); err != nil {
				return err
			}
			r.FirstName, r.LastName, r.Phone = liteString(first), liteString(last), liteString(phone)
			r.State, r.City, r.PlanTier = liteString(state), liteString(city), liteString(plan)
			if r.SignupDate, err = parseLiteDate(signup); err != nil {
				return err
			}
			if r.LoadedAt, err = parseLiteTime(loadedAt); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query silver users")
	}
	return out, nil
}

// Transactions implements Silver.
func (s *SQLite) Transactions(ctx context.Context, ids []string) ([]model.Transaction, error) {
	ctx, done := s.tr.begin(ctx, "silver.transactions")
	defer done()

	var out []model.Transaction
	err := s.queryIn(ctx,
		`SELECT transaction_id, user_id, product_id, product_name, category, quantity, unit_price,
		        total_amount, is_refund, region, transaction_date, loaded_at
		 FROM silver.sales_transactions WHERE transaction_id IN (%s) ORDER BY transaction_id`, ids,
		func(rows *sql.Rows) error {
			var (
				r                         model.Transaction
				userID, name, category    sql.NullString
				region, qty, price, total sql.NullString
				txnDate                   sql.NullString
				loadedAt                  string
			)
			if err := rows.Scan(&r.TransactionID, &userID, &r.ProductID, &name, &category, &qty, &price,
				&total, &r.IsRefund, &region, &txnDate, &loadedAt); err != nil {
				return err
			}
			r.UserID, r.ProductName, r.Category, r.Region = liteString(userID), liteString(name),
				liteString(category), liteString(region)

			amounts := []*decimal.Decimal{&r.Quantity, &r.UnitPrice, &r.TotalAmount}
			for i, raw := range []sql.NullString{qty, price, total} {
				d, err := parseLiteDecimal(raw)
				if err != nil {
					return err
				}
				if d != nil {
					*amounts[i] = *d
				}
			}
			date, err := parseLiteDate(txnDate)
			if err != nil {
				return err
			}
			if date != nil {
				r.TransactionDate = *date
			}
			if r.LoadedAt, err = parseLiteTime(loadedAt); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query silver transactions")
	}
	return out, nil
}

// TransactionIDsForProducts implements Silver.
func (s *SQLite) TransactionIDsForProducts(ctx context.Context, productIDs []string) ([]string, error) {
	ctx, done := s.tr.begin(ctx, "silver.transactions_for_products")
	defer done()

	var out []string
	err := s.queryIn(ctx,
		`SELECT transaction_id FROM silver.sales_transactions WHERE product_id IN (%s)`, productIDs,
		func(rows *sql.Rows) error {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			out = append(out, id)
			return nil
		})
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query transactions for products")
	}
	slices.Sort(out)
	return out, nil
}

// TransactionIDsForUsers implements Silver.
func (s *SQLite) TransactionIDsForUsers(ctx context.Context, userIDs []string) ([]string, error) {
	ctx, done := s.tr.begin(ctx, "silver.transactions_for_users")
	defer done()

	var out []string
	err := s.queryIn(ctx,
		`SELECT transaction_id FROM silver.sales_transactions WHERE user_id IN (%s)`, userIDs,
		func(rows *sql.Rows) error {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			out = append(out, id)
			return nil
		})
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query transactions for users")
	}
	slices.Sort(out)
	return out, nil
}

// AvgUnitPrices implements Silver. Prices are summed as decimals rather than
// averaged by SQLite, which would go through floating point.
func (s *SQLite) AvgUnitPrices(ctx context.Context, productIDs []string) (map[string]decimal.Decimal, error) {
	ctx, done := s.tr.begin(ctx, "silver.avg_unit_prices")
	defer done()

	sums := make(map[string]decimal.Decimal)
	counts := make(map[string]int64)
	err := s.queryIn(ctx,
		`SELECT product_id, unit_price FROM silver.sales_transactions WHERE product_id IN (%s)`, productIDs,
		func(rows *sql.Rows) error {
			var id, raw string
			if err := rows.Scan(&id, &raw); err != nil {
				return err
			}
			d, err := decimal.NewFromString(raw)
			if err != nil {
				return eris.Wrapf(err, "sqlite: unparseable unit_price %q", raw)
			}
			sums[id] = sums[id].Add(d)
			counts[id]++
			return nil
		})
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query unit prices")
	}

	out := make(map[string]decimal.Decimal, len(sums))
	for id, sum := range sums {
		out[id] = sum.DivRound(decimal.NewFromInt(counts[id]), 4)
	}
	return out, nil
}

// Count implements Silver.
func (s *SQLite) Count(ctx context.Context, src model.Source) (int64, error) {
	if _, ok := keyColumns[src]; !ok {
		return 0, eris.Errorf("sqlite: unknown source %q", src)
	}
	ctx, done := s.tr.begin(ctx, "silver.count")
	defer done()

	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM "+silverTable(src)).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "sqlite: count %s", silverTable(src))
	}
	return n, nil
}

// queryIn runs stmtFmt once per chunk of ids, substituting the placeholder
// list for %s. Each chunk's rows are drained and closed before the next.
func (s *SQLite) queryIn(ctx context.Context, stmtFmt string, ids []string, scan func(*sql.Rows) error) error {
	for _, chunk := range chunkStrings(sortedUnique(ids), maxSQLiteParams) {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(stmtFmt, liteParams(len(chunk))), anySlice(chunk)...)
		if err != nil {
			return err
		}
		for rows.Next() {
			if err := scan(rows); err != nil {
				rows.Close() //nolint:errcheck
				return err
			}
		}
		err = rows.Err()
		rows.Close() //nolint:errcheck
		if err != nil {
			return err
		}
	}
	return nil
}

func sortedUnique(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// --- gold ---

// UpsertDimUser implements Gold.
func (s *SQLite) UpsertDimUser(ctx context.Context, u model.DimUser) (model.UpsertResult, error) {
	return s.upsertReturning(ctx, "gold.upsert_dim_user", goldUsers, "user_sk",
		u.UserID, liteNullable(u.FullName), liteNullable(u.Region), liteNullable(u.PlanTier),
		liteDatePtr(u.SignupDate), liteTime(u.LoadedAt))
}

// UpsertDimProduct implements Gold.
func (s *SQLite) UpsertDimProduct(ctx context.Context, p model.DimProduct) (model.UpsertResult, error) {
	return s.upsertReturning(ctx, "gold.upsert_dim_product", goldProducts, "product_sk",
		p.ProductID, liteNullable(p.ProductName), liteNullable(p.Category), liteDecimalPtr(p.AvgUnitPrice),
		liteTime(p.LoadedAt))
}

// UpsertFact implements Gold.
func (s *SQLite) UpsertFact(ctx context.Context, f model.FactSale) (model.UpsertResult, error) {
	var userSK any
	if f.UserSK != nil {
		userSK = *f.UserSK
	}
	return s.upsertReturning(ctx, "gold.upsert_fact", goldFacts, "fact_id",
		f.TransactionID, userSK, f.ProductSK, f.DateKey, liteDecimal(f.Quantity), liteDecimal(f.UnitPrice),
		liteDecimal(f.TotalAmount), liteNullable(f.Region), liteTime(f.LoadedAt))
}

// upsertReturning runs a single-row upsert. The prior key is read in the same
// transaction to tell an insert from an update; a no-op update returns no row.
func (s *SQLite) upsertReturning(ctx context.Context, op string, cfg db.UpsertConfig, keyCol string, args ...any) (model.UpsertResult, error) {
	ctx, done := s.tr.begin(ctx, op)
	defer done()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.UpsertResult{}, eris.Wrapf(err, "sqlite: upsert %s: begin tx", cfg.Table)
	}
	defer tx.Rollback() //nolint:errcheck

	var existing int64
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", keyCol, cfg.Table, cfg.ConflictKeys[0]), args[0],
	).Scan(&existing)
	exists := err == nil
	if err != nil && !isNoRows(err) {
		return model.UpsertResult{}, eris.Wrapf(err, "sqlite: lookup %s", cfg.Table)
	}

	var (
		key    int64
		result model.UpsertResult
	)
	err = tx.QueryRowContext(ctx, liteUpsertSQL(cfg, keyCol), args...).Scan(&key)
	switch {
	case err == nil && exists:
		result = model.UpsertResult{Key: key, Outcome: model.OutcomeUpdated}
	case err == nil:
		result = model.UpsertResult{Key: key, Outcome: model.OutcomeInserted}
	case isNoRows(err) && exists:
		result = model.UpsertResult{Key: existing, Outcome: model.OutcomeUnchanged}
	case isNoRows(err):
		return model.UpsertResult{}, eris.Errorf("sqlite: upsert %s returned no key for %v", cfg.Table, args[0])
	default:
		return model.UpsertResult{}, eris.Wrapf(err, "sqlite: upsert %s", cfg.Table)
	}

	if err := tx.Commit(); err != nil {
		return model.UpsertResult{}, eris.Wrapf(err, "sqlite: upsert %s: commit tx", cfg.Table)
	}
	return result, nil
}

// UserKeys implements Gold.
func (s *SQLite) UserKeys(ctx context.Context, userIDs []string) (map[string]int64, error) {
	return s.keys(ctx, "gold.user_keys", `SELECT user_id, user_sk FROM gold.dim_users WHERE user_id IN (%s)`, userIDs)
}

// ProductKeys implements Gold.
func (s *SQLite) ProductKeys(ctx context.Context, productIDs []string) (map[string]int64, error) {
	return s.keys(ctx, "gold.product_keys", `SELECT product_id, product_sk FROM gold.dim_products WHERE product_id IN (%s)`, productIDs)
}

func (s *SQLite) keys(ctx context.Context, op, stmtFmt string, ids []string) (map[string]int64, error) {
	ctx, done := s.tr.begin(ctx, op)
	defer done()

	out := make(map[string]int64, len(ids))
	err := s.queryIn(ctx, stmtFmt, ids, func(rows *sql.Rows) error {
		var (
			id string
			sk int64
		)
		if err := rows.Scan(&id, &sk); err != nil {
			return err
		}
		out[id] = sk
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	return out, nil
}

// SeedDateSpine implements Gold.
func (s *SQLite) SeedDateSpine(ctx context.Context, days []model.DimDate) (int64, error) {
	if len(days) == 0 {
		return 0, nil
	}
	ctx, done := s.tr.begin(ctx, "gold.seed_date_spine")
	defer done()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: seed date spine: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, liteUpsertSQL(goldDates, ""))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: seed date spine: prepare")
	}
	defer stmt.Close() //nolint:errcheck

	var added int64
	for _, d := range days {
		res, err := stmt.ExecContext(ctx, d.DateKey, liteDate(d.FullDate), d.Day, d.Month, d.Quarter,
			d.Year, d.DayOfWeek, d.IsWeekend)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: seed date %d", d.DateKey)
		}
		n, _ := res.RowsAffected()
		added += n
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: seed date spine: commit tx")
	}
	return added, nil
}

// SpineBounds implements Gold.
func (s *SQLite) SpineBounds(ctx context.Context) (model.SpineBounds, error) {
	ctx, done := s.tr.begin(ctx, "gold.spine_bounds")
	defer done()

	var (
		first, last sql.NullString
		days        int64
	)
	if err := s.db.QueryRowContext(ctx,
		`SELECT min(full_date), max(full_date), count(*) FROM gold.dim_date`,
	).Scan(&first, &last, &days); err != nil {
		return model.SpineBounds{}, eris.Wrap(err, "sqlite: spine bounds")
	}
	if days == 0 {
		return model.SpineBounds{}, nil
	}
	lo, err := parseLiteDate(first)
	if err != nil {
		return model.SpineBounds{}, err
	}
	hi, err := parseLiteDate(last)
	if err != nil {
		return model.SpineBounds{}, err
	}
	return model.SpineBounds{First: *lo, Last: *hi, Days: int(days)}, nil
}

// DimUsers implements Gold.
func (s *SQLite) DimUsers(ctx context.Context) ([]model.DimUser, error) {
	ctx, done := s.tr.begin(ctx, "gold.dim_users")
	defer done()

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_sk, user_id, full_name, region, plan_tier, signup_date, loaded_at
		 FROM gold.dim_users ORDER BY user_sk`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query dim users")
	}
	defer rows.Close()

	var out []model.DimUser
	for rows.Next() {
		var (
			r                        model.DimUser
			name, region, plan, date sql.NullString
			loadedAt                 string
		)
		if err := rows.Scan(&r.UserSK, &r.UserID, &name, &region, &plan, &date, &loadedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dim user")
		}
		r.FullName, r.Region, r.PlanTier = liteString(name), liteString(region), liteString(plan)
		if r.SignupDate, err = parseLiteDate(date); err != nil {
			return nil, err
		}
		if r.LoadedAt, err = parseLiteTime(loadedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DimProducts implements Gold.
func (s *SQLite) DimProducts(ctx context.Context) ([]model.DimProduct, error) {
	ctx, done := s.tr.begin(ctx, "gold.dim_products")
	defer done()

	rows, err := s.db.QueryContext(ctx,
		`SELECT product_sk, product_id, product_name, category, avg_unit_price, loaded_at
		 FROM gold.dim_products ORDER BY product_sk`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query dim products")
	}
	defer rows.Close()

	var out []model.DimProduct
	for rows.Next() {
		var (
			r                   model.DimProduct
			name, category, avg sql.NullString
			loadedAt            string
		)
		if err := rows.Scan(&r.ProductSK, &r.ProductID, &name, &category, &avg, &loadedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dim product")
		}
		r.ProductName, r.Category = liteString(name), liteString(category)
		if r.AvgUnitPrice, err = parseLiteDecimal(avg); err != nil {
			return nil, err
		}
		if r.LoadedAt, err = parseLiteTime(loadedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Facts implements Gold.
func (s *SQLite) Facts(ctx context.Context) ([]model.FactSale, error) {
	ctx, done := s.tr.begin(ctx, "gold.facts")
	defer done()

	rows, err := s.db.QueryContext(ctx,
		`SELECT fact_id, transaction_id, user_sk, product_sk, date_key, quantity, unit_price,
		        total_amount, region, loaded_at
		 FROM gold.fact_sales ORDER BY fact_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query facts")
	}
	defer rows.Close()

	var out []model.FactSale
	for rows.Next() {
		var (
			r                 model.FactSale
			userSK            sql.NullInt64
			qty, price, total string
			region            sql.NullString
			loadedAt          string
		)
		if err := rows.Scan(&r.FactID, &r.TransactionID, &userSK, &r.ProductSK, &r.DateKey,
			&qty, &price, &total, &region, &loadedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan fact")
		}
		if userSK.Valid {
			sk := userSK.Int64
			r.UserSK = &sk
		}
		r.Region = liteString(region)
		if r.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse fact quantity")
		}
		if r.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse fact unit_price")
		}
		if r.TotalAmount, err = decimal.NewFromString(total); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse fact total_amount")
		}
		if r.LoadedAt, err = parseLiteTime(loadedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- run log ---

// StartRun implements RunLog.
func (s *SQLite) StartRun(ctx context.Context, batchID string) (model.BatchRun, error) {
	run := model.BatchRun{
		RunID:     uuid.New().String(),
		BatchID:   batchID,
		State:     model.StatePending,
		StartedAt: time.Now().UTC(),
	}
	ctx, done := s.tr.begin(ctx, "meta.start_run")
	defer done()

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO meta.batch_runs (run_id, batch_id, state, started_at) VALUES (?, ?, ?, ?)`,
		run.RunID, run.BatchID, string(run.State), liteTime(run.StartedAt),
	); err != nil {
		return model.BatchRun{}, eris.Wrapf(err, "sqlite: start run for batch %s", batchID)
	}
	return run, nil
}

// SetRunState implements RunLog.
func (s *SQLite) SetRunState(ctx context.Context, runID string, state model.BatchState) error {
	ctx, done := s.tr.begin(ctx, "meta.set_run_state")
	defer done()

	res, err := s.db.ExecContext(ctx, `UPDATE meta.batch_runs SET state = ? WHERE run_id = ?`, string(state), runID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set run %s state", runID)
	}
	return checkRowsAffected(res, runID)
}

// FinishRun implements RunLog.
func (s *SQLite) FinishRun(ctx context.Context, runID string, state model.BatchState, summary *model.BatchSummary, errMsg string) error {
	var summaryJSON any
	if summary != nil {
		b, err := json.Marshal(summary)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal run summary")
		}
		summaryJSON = string(b)
	}
	var errCol any
	if errMsg != "" {
		errCol = errMsg
	}

	ctx, done := s.tr.begin(ctx, "meta.finish_run")
	defer done()
	res, err := s.db.ExecContext(ctx,
		`UPDATE meta.batch_runs SET state = ?, completed_at = ?, summary = ?, error = ? WHERE run_id = ?`,
		string(state), liteTime(time.Now()), summaryJSON, errCol, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, runID)
}

func checkRowsAffected(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("sqlite: run %s not found", runID)
	}
	return nil
}

// Runs implements RunLog.
func (s *SQLite) Runs(ctx context.Context, batchID string, limit int) ([]model.BatchRun, error) {
	stmt := `SELECT run_id, batch_id, state, started_at, completed_at, summary, error FROM meta.batch_runs`
	var args []any
	if batchID != "" {
		stmt += " WHERE batch_id = ?"
		args = append(args, batchID)
	}
	stmt += " ORDER BY started_at DESC"
	if limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, limit)
	}

	ctx, done := s.tr.begin(ctx, "meta.runs")
	defer done()
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var out []model.BatchRun
	for rows.Next() {
		var (
			r                             model.BatchRun
			state, startedAt              string
			completedAt, summary, errText sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.BatchID, &state, &startedAt, &completedAt, &summary, &errText); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r.State = model.BatchState(state)
		if r.StartedAt, err = parseLiteTime(startedAt); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = parseLiteTimePtr(completedAt); err != nil {
			return nil, err
		}
		if summary.Valid {
			var sum model.BatchSummary
			if err := json.Unmarshal([]byte(summary.String), &sum); err == nil {
				r.Summary = &sum
			}
		}
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordRejections implements RunLog.
func (s *SQLite) RecordRejections(ctx context.Context, rejections []model.Rejection) error {
	if len(rejections) == 0 {
		return nil
	}
	ctx, done := s.tr.begin(ctx, "meta.record_rejections")
	defer done()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: record rejections: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range rejections {
		var rawID any
		if r.RawID != 0 {
			rawID = int64(r.RawID)
		}
		created := r.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO meta.rejections (run_id, batch_id, source, natural_key, raw_id, kind, field, reason, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RunID, r.BatchID, string(r.Source), liteNullable(nullString(r.NaturalKey)), rawID,
			string(r.Kind), liteNullable(nullString(r.Field)), r.Reason, liteTime(created),
		); err != nil {
			return eris.Wrap(err, "sqlite: insert rejection")
		}
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: record rejections: commit tx")
	}
	return nil
}

// Rejections implements RunLog.
func (s *SQLite) Rejections(ctx context.Context, batchID string) ([]model.Rejection, error) {
	ctx, done := s.tr.begin(ctx, "meta.rejections")
	defer done()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, batch_id, source, natural_key, raw_id, kind, field, reason, created_at
		 FROM meta.rejections
		 WHERE run_id = (
			SELECT run_id FROM meta.batch_runs WHERE batch_id = ? ORDER BY started_at DESC LIMIT 1
		 )
		 ORDER BY id`, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query rejections for batch %s", batchID)
	}
	defer rows.Close()

	var out []model.Rejection
	for rows.Next() {
		var (
			r                       model.Rejection
			source, kind, createdAt string
			naturalKey, field       sql.NullString
			rawID                   sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.BatchID, &source, &naturalKey, &rawID, &kind, &field,
			&r.Reason, &createdAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan rejection")
		}
		r.Source = model.Source(source)
		r.Kind = model.RejectionKind(kind)
		r.NaturalKey = naturalKey.String
		r.Field = field.String
		r.RawID = model.RawRowID(rawID.Int64)
		if r.CreatedAt, err = parseLiteTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
