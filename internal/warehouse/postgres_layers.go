package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/WesGarrett/Medallion-Warehouse/internal/db"
	"github.com/WesGarrett/Medallion-Warehouse/internal/model"
)

var (
	silverProducts = db.UpsertConfig{
		Table:        "silver.products",
		Columns:      []string{"product_id", "product_name", "category", "list_price", "loaded_at"},
		ConflictKeys: []string{"product_id"},
		CompareCols:  []string{"product_name", "category", "list_price"},
	}
	silverUsers = db.UpsertConfig{
		Table: "silver.crm_users",
		Columns: []string{"user_id", "first_name", "last_name", "email", "phone", "state", "city",
			"signup_date", "plan_tier", "loaded_at"},
		ConflictKeys: []string{"user_id"},
		CompareCols: []string{"first_name", "last_name", "email", "phone", "state", "city",
			"signup_date", "plan_tier"},
	}
	silverTransactions = db.UpsertConfig{
		Table: "silver.sales_transactions",
		Columns: []string{"transaction_id", "user_id", "product_id", "product_name", "category",
			"quantity", "unit_price", "total_amount", "is_refund", "region", "transaction_date", "loaded_at"},
		ConflictKeys: []string{"transaction_id"},
		CompareCols: []string{"user_id", "product_id", "product_name", "category", "quantity",
			"unit_price", "total_amount", "is_refund", "region", "transaction_date"},
	}
	silverWebEvents = db.UpsertConfig{
		Table: "silver.web_events",
		Columns: []string{"session_id", "user_id", "event_type", "page_url", "referrer", "device_type",
			"event_ts", "country", "loaded_at"},
		ConflictKeys: []string{"session_id"},
		CompareCols:  []string{"user_id", "event_type", "page_url", "referrer", "device_type", "event_ts", "country"},
	}

	goldUsers = db.UpsertConfig{
		Table:        "gold.dim_users",
		Columns:      []string{"user_id", "full_name", "region", "plan_tier", "signup_date", "loaded_at"},
		ConflictKeys: []string{"user_id"},
		CompareCols:  []string{"full_name", "region", "plan_tier", "signup_date"},
	}
	goldProducts = db.UpsertConfig{
		Table:        "gold.dim_products",
		Columns:      []string{"product_id", "product_name", "category", "avg_unit_price", "loaded_at"},
		ConflictKeys: []string{"product_id"},
		CompareCols:  []string{"product_name", "category", "avg_unit_price"},
	}
	goldFacts = db.UpsertConfig{
		Table: "gold.fact_sales",
		Columns: []string{"transaction_id", "user_sk", "product_sk", "date_key", "quantity", "unit_price",
			"total_amount", "region", "loaded_at"},
		ConflictKeys: []string{"transaction_id"},
		CompareCols:  []string{"user_sk", "product_sk", "date_key", "quantity", "unit_price", "total_amount", "region"},
	}
	goldDates = db.UpsertConfig{
		Table:        "gold.dim_date",
		Columns:      []string{"date_key", "full_date", "day", "month", "quarter", "year", "day_of_week", "is_weekend"},
		ConflictKeys: []string{"date_key"},
		UpdateCols:   []string{},
	}
)

// silverTable maps a source onto its silver table.
func silverTable(src model.Source) string {
	if src == model.SourceProductCatalog {
		return "silver.products"
	}
	return "silver." + string(src)
}

// --- silver ---

// EmailOwners implements Silver.
func (p *Postgres) EmailOwners(ctx context.Context, emails, userIDs []string) (map[string]string, error) {
	ctx, done := p.tr.begin(ctx, "silver.email_owners")
	defer done()

	rows, err := p.pool.Query(ctx,
		`SELECT email, user_id FROM silver.crm_users WHERE email = ANY($1) OR user_id = ANY($2)`,
		emails, userIDs,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query email owners")
	}
	defer rows.Close()

	owners := make(map[string]string)
	for rows.Next() {
		var email, userID string
		if err := rows.Scan(&email, &userID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan email owner")
		}
		owners[email] = userID
	}
	return owners, rows.Err()
}

// WriteProducts implements Silver.
func (p *Postgres) WriteProducts(ctx context.Context, rows []model.Product) error {
	data := make([][]any, len(rows))
	for i, r := range rows {
		data[i] = []any{r.ProductID, r.ProductName, r.Category, pgNumericPtr(r.ListPrice), r.LoadedAt.UTC()}
	}
	return p.bulkUpsert(ctx, "silver.write_products", silverProducts, data)
}

// WriteUsers implements Silver. Rows are applied one statement at a time in
// slice order inside a single transaction.
func (p *Postgres) WriteUsers(ctx context.Context, rows []model.User) error {
	if len(rows) == 0 {
		return nil
	}
	ctx, done := p.tr.begin(ctx, "silver.write_users")
	defer done()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: write users: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	sql := db.BuildRowUpsertSQL(silverUsers, "")
	for _, r := range rows {
		if _, err := tx.Exec(ctx, sql,
			r.UserID, r.FirstName, r.LastName, r.Email, r.Phone, r.State, r.City,
			r.SignupDate, r.PlanTier, r.LoadedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "postgres: write user %s", r.UserID)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: write users: commit tx")
	}
	return nil
}

// WriteTransactions implements Silver.
func (p *Postgres) WriteTransactions(ctx context.Context, rows []model.Transaction) error {
	data := make([][]any, len(rows))
	for i, r := range rows {
		data[i] = []any{
			r.TransactionID, r.UserID, r.ProductID, r.ProductName, r.Category,
			pgNumeric(r.Quantity), pgNumeric(r.UnitPrice), pgNumeric(r.TotalAmount),
			r.IsRefund, r.Region, r.TransactionDate, r.LoadedAt.UTC(),
		}
	}
	return p.bulkUpsert(ctx, "silver.write_transactions", silverTransactions, data)
}

// WriteWebEvents implements Silver.
func (p *Postgres) WriteWebEvents(ctx context.Context, rows []model.WebEvent) error {
	data := make([][]any, len(rows))
	for i, r := range rows {
		data[i] = []any{
			r.SessionID, r.UserID, r.EventType, r.PageURL, r.Referrer, r.DeviceType,
			r.EventTS, r.Country, r.LoadedAt.UTC(),
		}
	}
	return p.bulkUpsert(ctx, "silver.write_web_events", silverWebEvents, data)
}

func (p *Postgres) bulkUpsert(ctx context.Context, op string, cfg db.UpsertConfig, data [][]any) error {
	if len(data) == 0 {
		return nil
	}
	ctx, done := p.tr.begin(ctx, op)
	defer done()
	if _, err := db.BulkUpsert(ctx, p.pool, cfg, data); err != nil {
		return eris.Wrapf(err, "postgres: upsert %s", cfg.Table)
	}
	return nil
}

// Products implements Silver.
func (p *Postgres) Products(ctx context.Context, ids []string) ([]model.Product, error) {
	ctx, done := p.tr.begin(ctx, "silver.products")
	defer done()

	rows, err := p.pool.Query(ctx,
		`SELECT product_id, product_name, category, list_price, loaded_at
		 FROM silver.products WHERE product_id = ANY($1) ORDER BY product_id`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query silver products")
	}
	defer rows.Close()

	var out []model.Product
	for rows.Next() {
		var (
			r     model.Product
			price pgtype.Numeric
		)
		if err := rows.Scan(&r.ProductID, &r.ProductName, &r.Category, &price, &r.LoadedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan silver product")
		}
		r.ListPrice = fromNumeric(price)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Users implements Silver.
func (p *Postgres) Users(ctx context.Context, ids []string) ([]model.User, error) {
	ctx, done := p.tr.begin(ctx, "silver.users")
	defer done()

	rows, err := p.pool.Query(ctx,
		`SELECT user_id, first_name, last_name, email, phone, state, city, signup_date, plan_tier, loaded_at
		 FROM silver.crm_users WHERE user_id = ANY($1) ORDER BY user_id`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query silver users")
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		var r model.User
		if err := rows.Scan(&r.UserID, &r.FirstName, &r.LastName, &r.Email, &r.Phone, &r.State,
			&r.City, &r.SignupDate, &r.PlanTier, &r.LoadedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan silver user")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Transactions implements Silver.
func (p *Postgres) Transactions(ctx context.Context, ids []string) ([]model.Transaction, error) {
	ctx, done := p.tr.begin(ctx, "silver.transactions")
	defer done()

	rows, err := p.pool.Query(ctx,
		`SELECT transaction_id, user_id, product_id, product_name, category, quantity, unit_price,
		        total_amount, is_refund, region, transaction_date, loaded_at
		 FROM silver.sales_transactions WHERE transaction_id = ANY($1) ORDER BY transaction_id`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query silver transactions")
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var (
			r                 model.Transaction
			qty, price, total pgtype.Numeric
		)
		if err := rows.Scan(&r.TransactionID, &r.UserID, &r.ProductID, &r.ProductName, &r.Category,
			&qty, &price, &total, &r.IsRefund, &r.Region, &r.TransactionDate, &r.LoadedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan silver transaction")
		}
		r.Quantity = numericOrZero(qty)
		r.UnitPrice = numericOrZero(price)
		r.TotalAmount = numericOrZero(total)
		out = append(out, r)
	}
	return out, rows.Err()
}

// TransactionIDsForProducts implements Silver.
func (p *Postgres) TransactionIDsForProducts(ctx context.Context, productIDs []string) ([]string, error) {
	ctx, done := p.tr.begin(ctx, "silver.transactions_for_products")
	defer done()

	rows, err := p.pool.Query(ctx,
		`SELECT transaction_id FROM silver.sales_transactions WHERE product_id = ANY($1) ORDER BY transaction_id`,
		productIDs)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query transactions for products")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan transaction id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TransactionIDsForUsers implements Silver.
func (p *Postgres) TransactionIDsForUsers(ctx context.Context, userIDs []string) ([]string, error) {
	ctx, done := p.tr.begin(ctx, "silver.transactions_for_users")
	defer done()

	rows, err := p.pool.Query(ctx,
		`SELECT transaction_id FROM silver.sales_transactions WHERE user_id = ANY($1) ORDER BY transaction_id`,
		userIDs)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query transactions for users")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan transaction id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AvgUnitPrices implements Silver.
func (p *Postgres) AvgUnitPrices(ctx context.Context, productIDs []string) (map[string]decimal.Decimal, error) {
	ctx, done := p.tr.begin(ctx, "silver.avg_unit_prices")
	defer done()

	rows, err := p.pool.Query(ctx,
		`SELECT product_id, round(avg(unit_price), 4)
		 FROM silver.sales_transactions WHERE product_id = ANY($1) GROUP BY product_id`, productIDs)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query average unit prices")
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var (
			id  string
			avg pgtype.Numeric
		)
		if err := rows.Scan(&id, &avg); err != nil {
			return nil, eris.Wrap(err, "postgres: scan average unit price")
		}
		if d := fromNumeric(avg); d != nil {
			out[id] = *d
		}
	}
	return out, rows.Err()
}

// Count implements Silver.
func (p *Postgres) Count(ctx context.Context, src model.Source) (int64, error) {
	if _, ok := keyColumns[src]; !ok {
		return 0, eris.Errorf("postgres: unknown source %q", src)
	}
	ctx, done := p.tr.begin(ctx, "silver.count")
	defer done()

	var n int64
	if err := p.pool.QueryRow(ctx, "SELECT count(*) FROM "+db.SanitizeTable(silverTable(src))).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "postgres: count %s", silverTable(src))
	}
	return n, nil
}

// --- gold ---

// UpsertDimUser implements Gold.
func (p *Postgres) UpsertDimUser(ctx context.Context, u model.DimUser) (model.UpsertResult, error) {
	return p.upsertReturning(ctx, "gold.upsert_dim_user", goldUsers, "user_sk",
		u.UserID, u.FullName, u.Region, u.PlanTier, u.SignupDate, u.LoadedAt.UTC())
}

// UpsertDimProduct implements Gold.
func (p *Postgres) UpsertDimProduct(ctx context.Context, d model.DimProduct) (model.UpsertResult, error) {
	return p.upsertReturning(ctx, "gold.upsert_dim_product", goldProducts, "product_sk",
		d.ProductID, d.ProductName, d.Category, pgNumericPtr(d.AvgUnitPrice), d.LoadedAt.UTC())
}

// UpsertFact implements Gold.
func (p *Postgres) UpsertFact(ctx context.Context, f model.FactSale) (model.UpsertResult, error) {
	return p.upsertReturning(ctx, "gold.upsert_fact", goldFacts, "fact_id",
		f.TransactionID, f.UserSK, f.ProductSK, f.DateKey, pgNumeric(f.Quantity), pgNumeric(f.UnitPrice),
		pgNumeric(f.TotalAmount), f.Region, f.LoadedAt.UTC())
}

// upsertReturning runs a single-row upsert and reports its outcome. A row
// whose compare columns did not change returns nothing from the upsert, so
// its key is fetched separately. args[0] must be the natural key.
func (p *Postgres) upsertReturning(ctx context.Context, op string, cfg db.UpsertConfig, keyCol string, args ...any) (model.UpsertResult, error) {
	ctx, done := p.tr.begin(ctx, op)
	defer done()

	var (
		key      int64
		inserted bool
	)
	err := p.pool.QueryRow(ctx, db.BuildRowUpsertSQL(cfg, keyCol+", (xmax = 0) AS inserted"), args...).Scan(&key, &inserted)
	switch {
	case err == nil:
		if inserted {
			return model.UpsertResult{Key: key, Outcome: model.OutcomeInserted}, nil
		}
		return model.UpsertResult{Key: key, Outcome: model.OutcomeUpdated}, nil
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return model.UpsertResult{}, eris.Wrapf(err, "postgres: upsert %s", cfg.Table)
	}

	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1",
		pgx.Identifier{keyCol}.Sanitize(), db.SanitizeTable(cfg.Table), pgx.Identifier{cfg.ConflictKeys[0]}.Sanitize())
	if err := p.pool.QueryRow(ctx, sql, args[0]).Scan(&key); err != nil {
		return model.UpsertResult{}, eris.Wrapf(err, "postgres: fetch %s key after no-op upsert", cfg.Table)
	}
	return model.UpsertResult{Key: key, Outcome: model.OutcomeUnchanged}, nil
}

// UserKeys implements Gold.
func (p *Postgres) UserKeys(ctx context.Context, userIDs []string) (map[string]int64, error) {
	return p.keys(ctx, "gold.user_keys", `SELECT user_id, user_sk FROM gold.dim_users WHERE user_id = ANY($1)`, userIDs)
}

// ProductKeys implements Gold.
func (p *Postgres) ProductKeys(ctx context.Context, productIDs []string) (map[string]int64, error) {
	return p.keys(ctx, "gold.product_keys", `SELECT product_id, product_sk FROM gold.dim_products WHERE product_id = ANY($1)`, productIDs)
}

func (p *Postgres) keys(ctx context.Context, op, sql string, ids []string) (map[string]int64, error) {
	out := make(map[string]int64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ctx, done := p.tr.begin(ctx, op)
	defer done()

	rows, err := p.pool.Query(ctx, sql, ids)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id string
			sk int64
		)
		if err := rows.Scan(&id, &sk); err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s", op)
		}
		out[id] = sk
	}
	return out, rows.Err()
}

// SeedDateSpine implements Gold.
func (p *Postgres) SeedDateSpine(ctx context.Context, days []model.DimDate) (int64, error) {
	if len(days) == 0 {
		return 0, nil
	}
	data := make([][]any, len(days))
	for i, d := range days {
		data[i] = []any{d.DateKey, d.FullDate, int16(d.Day), int16(d.Month), int16(d.Quarter),
			int16(d.Year), int16(d.DayOfWeek), d.IsWeekend}
	}

	ctx, done := p.tr.begin(ctx, "gold.seed_date_spine")
	defer done()
	n, err := db.BulkUpsert(ctx, p.pool, goldDates, data)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: seed date spine")
	}
	return n, nil
}

// SpineBounds implements Gold.
func (p *Postgres) SpineBounds(ctx context.Context) (model.SpineBounds, error) {
	ctx, done := p.tr.begin(ctx, "gold.spine_bounds")
	defer done()

	var (
		first, last *time.Time
		days        int64
	)
	if err := p.pool.QueryRow(ctx,
		`SELECT min(full_date), max(full_date), count(*) FROM gold.dim_date`,
	).Scan(&first, &last, &days); err != nil {
		return model.SpineBounds{}, eris.Wrap(err, "postgres: spine bounds")
	}
	if days == 0 || first == nil || last == nil {
		return model.SpineBounds{}, nil
	}
	return model.SpineBounds{First: first.UTC(), Last: last.UTC(), Days: int(days)}, nil
}

// DimUsers implements Gold.
func (p *Postgres) DimUsers(ctx context.Context) ([]model.DimUser, error) {
	ctx, done := p.tr.begin(ctx, "gold.dim_users")
	defer done()

	rows, err := p.pool.Query(ctx,
		`SELECT user_sk, user_id, full_name, region, plan_tier, signup_date, loaded_at
		 FROM gold.dim_users ORDER BY user_sk`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query dim users")
	}
	defer rows.Close()

	var out []model.DimUser
	for rows.Next() {
		var r model.DimUser
		if err := rows.Scan(&r.UserSK, &r.UserID, &r.FullName, &r.Region, &r.PlanTier, &r.SignupDate, &r.LoadedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dim user")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DimProducts implements Gold.
func (p *Postgres) DimProducts(ctx context.Context) ([]model.DimProduct, error) {
	ctx, done := p.tr.begin(ctx, "gold.dim_products")
	defer done()

	rows, err := p.pool.Query(ctx,
		`SELECT product_sk, product_id, product_name, category, avg_unit_price, loaded_at
		 FROM gold.dim_products ORDER BY product_sk`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query dim products")
	}
	defer rows.Close()

	var out []model.DimProduct
	for rows.Next() {
		var (
			r   model.DimProduct
			avg pgtype.Numeric
		)
		if err := rows.Scan(&r.ProductSK, &r.ProductID, &r.ProductName, &r.Category, &avg, &r.LoadedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dim product")
		}
		r.AvgUnitPrice = fromNumeric(avg)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Facts implements Gold.
func (p *Postgres) Facts(ctx context.Context) ([]model.FactSale, error) {
	ctx, done := p.tr.begin(ctx, "gold.facts")
	defer done()

	rows, err := p.pool.Query(ctx,
		`SELECT fact_id, transaction_id, user_sk, product_sk, date_key, quantity, unit_price,
		        total_amount, region, loaded_at
		 FROM gold.fact_sales ORDER BY fact_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query facts")
	}
	defer rows.Close()

	var out []model.FactSale
	for rows.Next() {
		var (
			r                 model.FactSale
			qty, price, total pgtype.Numeric
		)
		if err := rows.Scan(&r.FactID, &r.TransactionID, &r.UserSK, &r.ProductSK, &r.DateKey,
			&qty, &price, &total, &r.Region, &r.LoadedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan fact")
		}
		r.Quantity = numericOrZero(qty)
		r.UnitPrice = numericOrZero(price)
		r.TotalAmount = numericOrZero(total)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- run log ---

// StartRun implements RunLog.
func (p *Postgres) StartRun(ctx context.Context, batchID string) (model.BatchRun, error) {
	run := model.BatchRun{
		RunID:     uuid.New().String(),
		BatchID:   batchID,
		State:     model.StatePending,
		StartedAt: time.Now().UTC(),
	}
	ctx, done := p.tr.begin(ctx, "meta.start_run")
	defer done()

	if _, err := p.pool.Exec(ctx,
		`INSERT INTO meta.batch_runs (run_id, batch_id, state, started_at) VALUES ($1, $2, $3, $4)`,
		run.RunID, run.BatchID, string(run.State), run.StartedAt,
	); err != nil {
		return model.BatchRun{}, eris.Wrapf(err, "postgres: start run for batch %s", batchID)
	}
	return run, nil
}

// SetRunState implements RunLog.
func (p *Postgres) SetRunState(ctx context.Context, runID string, state model.BatchState) error {
	ctx, done := p.tr.begin(ctx, "meta.set_run_state")
	defer done()

	tag, err := p.pool.Exec(ctx, `UPDATE meta.batch_runs SET state = $1 WHERE run_id = $2`, string(state), runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: set run %s state", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: run %s not found", runID)
	}
	return nil
}

// FinishRun implements RunLog.
func (p *Postgres) FinishRun(ctx context.Context, runID string, state model.BatchState, summary *model.BatchSummary, errMsg string) error {
	var summaryJSON []byte
	if summary != nil {
		var err error
		summaryJSON, err = json.Marshal(summary)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal run summary")
		}
	}
	var errCol *string
	if errMsg != "" {
		errCol = &errMsg
	}

	ctx, done := p.tr.begin(ctx, "meta.finish_run")
	defer done()
	tag, err := p.pool.Exec(ctx,
		`UPDATE meta.batch_runs SET state = $1, completed_at = now(), summary = $2, error = $3 WHERE run_id = $4`,
		string(state), summaryJSON, errCol, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: run %s not found", runID)
	}
	return nil
}

// Runs implements RunLog.
func (p *Postgres) Runs(ctx context.Context, batchID string, limit int) ([]model.BatchRun, error) {
	sql := `SELECT run_id, batch_id, state, started_at, completed_at, summary, error FROM meta.batch_runs`
	var args []any
	if batchID != "" {
		args = append(args, batchID)
		sql += fmt.Sprintf(" WHERE batch_id = $%d", len(args))
	}
	sql += " ORDER BY started_at DESC"
	if limit > 0 {
		args = append(args, limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	ctx, done := p.tr.begin(ctx, "meta.runs")
	defer done()
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var out []model.BatchRun
	for rows.Next() {
		var (
			r           model.BatchRun
			state       string
			summaryJSON []byte
			errStr      *string
		)
		if err := rows.Scan(&r.RunID, &r.BatchID, &state, &r.StartedAt, &r.CompletedAt, &summaryJSON, &errStr); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		r.State = model.BatchState(state)
		if errStr != nil {
			r.Error = *errStr
		}
		if summaryJSON != nil {
			var s model.BatchSummary
			if err := json.Unmarshal(summaryJSON, &s); err == nil {
				r.Summary = &s
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var rejectionColumns = []string{"run_id", "batch_id", "source", "natural_key", "raw_id", "kind", "field", "reason", "created_at"}

// RecordRejections implements RunLog with COPY.
func (p *Postgres) RecordRejections(ctx context.Context, rejections []model.Rejection) error {
	if len(rejections) == 0 {
		return nil
	}
	data := make([][]any, len(rejections))
	for i, r := range rejections {
		var rawID *int64
		if r.RawID != 0 {
			id := int64(r.RawID)
			rawID = &id
		}
		created := r.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		data[i] = []any{r.RunID, r.BatchID, string(r.Source), nullString(r.NaturalKey), rawID,
			string(r.Kind), nullString(r.Field), r.Reason, created.UTC()}
	}

	ctx, done := p.tr.begin(ctx, "meta.record_rejections")
	defer done()
	if _, err := db.CopyFromSchema(ctx, p.pool, "meta", "rejections", rejectionColumns, data); err != nil {
		return eris.Wrap(err, "postgres: record rejections")
	}
	return nil
}

// Rejections implements RunLog.
func (p *Postgres) Rejections(ctx context.Context, batchID string) ([]model.Rejection, error) {
	ctx, done := p.tr.begin(ctx, "meta.rejections")
	defer done()

	rows, err := p.pool.Query(ctx,
		`SELECT id, run_id, batch_id, source, natural_key, raw_id, kind, field, reason, created_at
		 FROM meta.rejections
		 WHERE run_id = (
			SELECT run_id FROM meta.batch_runs WHERE batch_id = $1 ORDER BY started_at DESC LIMIT 1
		 )
		 ORDER BY id`, batchID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query rejections for batch %s", batchID)
	}
	defer rows.Close()

	var out []model.Rejection
	for rows.Next() {
		var (
			r                 model.Rejection
			source, kind      string
			naturalKey, field *string
			rawID             *int64
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.BatchID, &source, &naturalKey, &rawID, &kind, &field,
			&r.Reason, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan rejection")
		}
		r.Source = model.Source(source)
		r.Kind = model.RejectionKind(kind)
		if naturalKey != nil {
			r.NaturalKey = *naturalKey
		}
		if field != nil {
			r.Field = *field
		}
		if rawID != nil {
			r.RawID = model.RawRowID(*rawID)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- value helpers ---

func pgNumeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func pgNumericPtr(d *decimal.Decimal) pgtype.Numeric {
	if d == nil {
		return pgtype.Numeric{}
	}
	return pgNumeric(*d)
}

func fromNumeric(n pgtype.Numeric) *decimal.Decimal {
	if !n.Valid || n.NaN || n.InfinityModifier != pgtype.Finite {
		return nil
	}
	i := n.Int
	if i == nil {
		i = new(big.Int)
	}
	d := decimal.NewFromBigInt(i, n.Exp)
	return &d
}

func numericOrZero(n pgtype.Numeric) decimal.Decimal {
	if d := fromNumeric(n); d != nil {
		return *d
	}
	return decimal.Zero
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
