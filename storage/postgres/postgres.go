// Package postgres provides a PostgreSQL implementation of reconcile.Storage.
// Ledger appends and plan changes run in transactions that hold row locks
// (SELECT ... FOR UPDATE) on the rows they read and modify.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Storage implements reconcile.Storage, reconcile.EventLog, reconcile.RoleStore
// and reconcile.EngagementDirectory on PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup of the webhook event log
	CleanupEnabled  bool
	CleanupInterval time.Duration
	EventRetention  time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		EventRetention:  30 * 24 * time.Hour,
	}
}

// New creates a PostgreSQL storage adapter. The schema must already be migrated.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}
	if config.CleanupEnabled && config.CleanupInterval > 0 && config.EventRetention > 0 {
		go s.startCleanup(cleanupCtx)
	}
	return s, nil
}

// Close closes the connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func loadTenant(ctx context.Context, q querier, tenantID string) (*reconcile.Tenant, error) {
	var (
		t             reconcile.Tenant
		planUpdatedAt *time.Time
	)
	err := q.QueryRow(ctx,
		`SELECT id, name, email, plan_id, plan_updated_at, created_at, updated_at
			FROM tenants WHERE id = $1`,
		tenantID).Scan(&t.ID, &t.Name, &t.Email, &t.PlanID, &planUpdatedAt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	if planUpdatedAt != nil {
		t.PlanUpdatedAt = *planUpdatedAt
	}

	rows, err := q.Query(ctx, `SELECT provider, customer_id FROM tenant_customers WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant customers: %w", err)
	}
	t.CustomerIDs = make(map[reconcile.Provider]string)
	for rows.Next() {
		var provider, customerID string
		if err := rows.Scan(&provider, &customerID); err != nil {
			rows.Close()
			return nil, err
		}
		t.CustomerIDs[reconcile.Provider(provider)] = customerID
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	t.Balances, err = loadBalances(ctx, q, tenantID)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func loadBalances(ctx context.Context, q querier, tenantID string) (map[reconcile.CreditType]int64, error) {
	rows, err := q.Query(ctx, `SELECT credit_type, balance FROM credit_balances WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to get balances: %w", err)
	}
	defer rows.Close()

	balances := make(map[reconcile.CreditType]int64)
	for rows.Next() {
		var (
			creditType string
			balance    int64
		)
		if err := rows.Scan(&creditType, &balance); err != nil {
			return nil, err
		}
		balances[reconcile.CreditType(creditType)] = balance
	}
	return balances, rows.Err()
}

// GetTenant implements reconcile.Storage
func (s *Storage) GetTenant(ctx context.Context, tenantID string) (*reconcile.Tenant, error) {
	return loadTenant(ctx, s.pool, tenantID)
}

// FindTenantByCustomerID implements reconcile.Storage
func (s *Storage) FindTenantByCustomerID(ctx context.Context, provider reconcile.Provider, customerID string) (*reconcile.Tenant, error) {
	var tenantID string
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id FROM tenant_customers WHERE provider = $1 AND customer_id = $2`,
		string(provider), customerID).Scan(&tenantID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find tenant by customer: %w", err)
	}
	return loadTenant(ctx, s.pool, tenantID)
}

// FindTenantByEmail implements reconcile.Storage. The oldest matching tenant wins.
func (s *Storage) FindTenantByEmail(ctx context.Context, email string) (*reconcile.Tenant, error) {
	var tenantID string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM tenants WHERE LOWER(email) = LOWER(TRIM($1)) AND email <> ''
			ORDER BY created_at, id LIMIT 1`,
		email).Scan(&tenantID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find tenant by email: %w", err)
	}
	return loadTenant(ctx, s.pool, tenantID)
}

// CreateTenant implements reconcile.Storage
func (s *Storage) CreateTenant(ctx context.Context, tenant *reconcile.Tenant) error {
	if tenant == nil || tenant.ID == "" {
		return fmt.Errorf("invalid tenant")
	}
	now := time.Now().UTC()
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = now
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx,
		`INSERT INTO tenants (id, name, email, plan_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $5)`,
		tenant.ID, tenant.Name, tenant.Email, tenant.PlanID, tenant.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert tenant: %w", err)
	}
	for provider, customerID := range tenant.CustomerIDs {
		_, err = tx.Exec(ctx,
			`INSERT INTO tenant_customers (provider, customer_id, tenant_id) VALUES ($1, $2, $3)`,
			string(provider), customerID, tenant.ID)
		if pgCode(err) == codeUniqueViolation {
			return reconcile.ErrCustomerIDTaken
		}
		if err != nil {
			return fmt.Errorf("failed to link customer: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// LinkCustomerID implements reconcile.Storage
func (s *Storage) LinkCustomerID(ctx context.Context, tenantID string, provider reconcile.Provider, customerID string) error {
	var owner string
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id FROM tenant_customers WHERE provider = $1 AND customer_id = $2`,
		string(provider), customerID).Scan(&owner)
	switch {
	case err == nil && owner == tenantID:
		return nil
	case err == nil:
		return reconcile.ErrCustomerIDTaken
	case !errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("failed to check customer link: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO tenant_customers (provider, customer_id, tenant_id) VALUES ($1, $2, $3)`,
		string(provider), customerID, tenantID)
	switch pgCode(err) {
	case "":
	case codeUniqueViolation:
		return reconcile.ErrCustomerIDTaken
	case codeForeignKeyViolation:
		return reconcile.ErrTenantNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to link customer: %w", err)
	}
	return nil
}

// SetTenantPlan implements reconcile.Storage
func (s *Storage) SetTenantPlan(ctx context.Context, tenantID string, planID *string, eventTime time.Time) (*string, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	var (
		prev      *string
		updatedAt *time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT plan_id, plan_updated_at FROM tenants WHERE id = $1 FOR UPDATE`,
		tenantID).Scan(&prev, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, reconcile.ErrTenantNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock tenant: %w", err)
	}
	if updatedAt != nil && eventTime.Before(*updatedAt) {
		return prev, false, nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE tenants SET plan_id = $2, plan_updated_at = $3, updated_at = NOW() WHERE id = $1`,
		tenantID, planID, eventTime.UTC())
	if err != nil {
		return nil, false, fmt.Errorf("failed to update plan: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit: %w", err)
	}
	return prev, true, nil
}

// AppendTransaction implements reconcile.Storage. The balance row of
// (tenant, credit type) is locked for the duration of the append.
//
//nolint:gocyclo // Transaction handles locking, idempotency and overdraft checks
func (s *Storage) AppendTransaction(ctx context.Context, ledgerTx *reconcile.CreditTransaction) (int64, error) {
	if ledgerTx == nil || ledgerTx.Amount <= 0 || !ledgerTx.Kind.Valid() {
		return 0, reconcile.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// shared lock: concurrent appends proceed, a replay waits
	var exists string
	err = tx.QueryRow(ctx, `SELECT id FROM tenants WHERE id = $1 FOR SHARE`, ledgerTx.TenantID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, reconcile.ErrTenantNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock tenant: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO credit_balances (tenant_id, credit_type, balance, updated_at)
			VALUES ($1, $2, 0, NOW())
			ON CONFLICT (tenant_id, credit_type) DO NOTHING`,
		ledgerTx.TenantID, string(ledgerTx.CreditType))
	if err != nil {
		return 0, fmt.Errorf("failed to ensure balance row exists: %w", err)
	}

	var current int64
	err = tx.QueryRow(ctx,
		`SELECT balance FROM credit_balances
			WHERE tenant_id = $1 AND credit_type = $2
			FOR UPDATE`,
		ledgerTx.TenantID, string(ledgerTx.CreditType)).Scan(&current)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance for update: %w", err)
	}

	var paymentID *string
	if ledgerTx.PaymentID != "" {
		paymentID = &ledgerTx.PaymentID
		var used bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM credit_transactions WHERE payment_id = $1)`,
			ledgerTx.PaymentID).Scan(&used)
		if err != nil {
			return 0, fmt.Errorf("failed to check payment id: %w", err)
		}
		if used {
			return current, reconcile.ErrDuplicatePayment
		}
	}

	next := current + ledgerTx.Signed()
	if ledgerTx.Kind != reconcile.KindCredit && next < 0 && !ledgerTx.AllowOverdraft {
		return current, reconcile.ErrInsufficientCredits
	}

	var metadata []byte
	if len(ledgerTx.Metadata) > 0 {
		metadata, err = json.Marshal(ledgerTx.Metadata)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}
	createdAt := ledgerTx.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO credit_transactions
			(id, tenant_id, credit_type, kind, amount, payment_id, expires_at, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ledgerTx.ID, ledgerTx.TenantID, string(ledgerTx.CreditType), string(ledgerTx.Kind),
		ledgerTx.Amount, paymentID, ledgerTx.ExpiresAt, metadata, createdAt)
	if pgCode(err) == codeUniqueViolation {
		// payment id claimed concurrently by another tenant's append
		return current, reconcile.ErrDuplicatePayment
	}
	if err != nil {
		return 0, fmt.Errorf("failed to insert transaction: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE credit_balances SET balance = $3, updated_at = NOW()
			WHERE tenant_id = $1 AND credit_type = $2`,
		ledgerTx.TenantID, string(ledgerTx.CreditType), next)
	if err != nil {
		return 0, fmt.Errorf("failed to update balance: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return next, nil
}

const transactionColumns = `id, tenant_id, credit_type, kind, amount, payment_id, expires_at, metadata, created_at`

func scanTransactions(rows pgx.Rows) ([]*reconcile.CreditTransaction, error) {
	defer rows.Close()
	var out []*reconcile.CreditTransaction
	for rows.Next() {
		var (
			t          reconcile.CreditTransaction
			creditType string
			kind       string
			paymentID  *string
			metadata   []byte
		)
		if err := rows.Scan(&t.ID, &t.TenantID, &creditType, &kind, &t.Amount,
			&paymentID, &t.ExpiresAt, &metadata, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.CreditType = reconcile.CreditType(creditType)
		t.Kind = reconcile.TransactionKind(kind)
		if paymentID != nil {
			t.PaymentID = *paymentID
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata of %s: %w", t.ID, err)
			}
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// ListTransactions implements reconcile.Storage
func (s *Storage) ListTransactions(ctx context.Context, tenantID string) ([]*reconcile.CreditTransaction, error) {
	if _, err := s.GetBalances(ctx, tenantID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM credit_transactions WHERE tenant_id = $1 ORDER BY seq`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return scanTransactions(rows)
}

// GetBalances implements reconcile.Storage
func (s *Storage) GetBalances(ctx context.Context, tenantID string) (map[reconcile.CreditType]int64, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tenants WHERE id = $1)`, tenantID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check tenant: %w", err)
	}
	if !exists {
		return nil, reconcile.ErrTenantNotFound
	}
	return loadBalances(ctx, s.pool, tenantID)
}

// ReplayBalances implements reconcile.Storage. The tenant row is locked exclusively,
// so no append can interleave with the replay.
func (s *Storage) ReplayBalances(ctx context.Context, tenantID string, replay reconcile.ReplayFunc) (map[reconcile.CreditType]int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	var id string
	err = tx.QueryRow(ctx, `SELECT id FROM tenants WHERE id = $1 FOR UPDATE`, tenantID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock tenant: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT `+transactionColumns+` FROM credit_transactions WHERE tenant_id = $1 ORDER BY seq`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	history, err := scanTransactions(rows)
	if err != nil {
		return nil, err
	}
	balances := replay(history)

	if _, err = tx.Exec(ctx, `UPDATE credit_balances SET balance = 0, updated_at = NOW() WHERE tenant_id = $1`, tenantID); err != nil {
		return nil, fmt.Errorf("failed to reset balances: %w", err)
	}
	for creditType, balance := range balances {
		_, err = tx.Exec(ctx,
			`INSERT INTO credit_balances (tenant_id, credit_type, balance, updated_at)
				VALUES ($1, $2, $3, NOW())
				ON CONFLICT (tenant_id, credit_type) DO UPDATE SET
					balance = EXCLUDED.balance,
					updated_at = EXCLUDED.updated_at`,
			tenantID, string(creditType), balance)
		if err != nil {
			return nil, fmt.Errorf("failed to write balance: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return balances, nil
}

const invoiceColumns = `id, engagement_id, tenant_id, amount, currency, commission, payout,
	commission_rate::text, status, provider, payout_account_id, checkout_session_id,
	payment_intent_id, failure_reason, created_at, updated_at`

func scanInvoice(row pgx.Row) (*reconcile.Invoice, error) {
	var (
		inv      reconcile.Invoice
		rate     string
		status   string
		provider string
	)
	err := row.Scan(&inv.ID, &inv.EngagementID, &inv.TenantID, &inv.Amount, &inv.Currency,
		&inv.Commission, &inv.Payout, &rate, &status, &provider, &inv.PayoutAccountID,
		&inv.CheckoutSessionID, &inv.PaymentIntentID, &inv.FailureReason, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inv.Status = reconcile.InvoiceStatus(status)
	inv.Provider = reconcile.Provider(provider)
	inv.CommissionRate, err = decimal.NewFromString(rate)
	if err != nil {
		return nil, fmt.Errorf("invalid commission rate %q: %w", rate, err)
	}
	return &inv, nil
}

// CreateInvoice implements reconcile.Storage
func (s *Storage) CreateInvoice(ctx context.Context, inv *reconcile.Invoice) error {
	if inv == nil || inv.ID == "" {
		return fmt.Errorf("invalid invoice")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO marketplace_invoices
			(id, engagement_id, tenant_id, amount, currency, commission, payout, commission_rate,
			status, provider, payout_account_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, 'PENDING', $9, $10, $11, $11)`,
		inv.ID, inv.EngagementID, inv.TenantID, inv.Amount, inv.Currency, inv.Commission,
		inv.Payout, inv.CommissionRate.String(), string(inv.Provider), inv.PayoutAccountID, inv.CreatedAt)
	if pgCode(err) == codeUniqueViolation {
		return reconcile.ErrInvoiceOutstanding
	}
	if err != nil {
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	return nil
}

// GetInvoice implements reconcile.Storage
func (s *Storage) GetInvoice(ctx context.Context, invoiceID string) (*reconcile.Invoice, error) {
	inv, err := scanInvoice(s.pool.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM marketplace_invoices WHERE id = $1`, invoiceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return inv, nil
}

// SetInvoiceCheckout implements reconcile.Storage
func (s *Storage) SetInvoiceCheckout(ctx context.Context, invoiceID string, provider reconcile.Provider, sessionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE marketplace_invoices SET provider = $2, checkout_session_id = $3, updated_at = NOW()
			WHERE id = $1 AND status = 'PENDING'`,
		invoiceID, string(provider), sessionID)
	if err != nil {
		return fmt.Errorf("failed to set checkout session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetInvoice(ctx, invoiceID); err != nil {
			return err
		}
		return reconcile.ErrInvalidTransition
	}
	return nil
}

// TransitionInvoice implements reconcile.Storage as a single conditional UPDATE.
func (s *Storage) TransitionInvoice(ctx context.Context, req *reconcile.InvoiceTransition) (*reconcile.Invoice, error) {
	inv, err := scanInvoice(s.pool.QueryRow(ctx,
		`UPDATE marketplace_invoices SET
				status = $3,
				payment_intent_id = COALESCE(NULLIF($4, ''), payment_intent_id),
				failure_reason = COALESCE(NULLIF($5, ''), failure_reason),
				updated_at = NOW()
			WHERE id = $1 AND status = $2
			RETURNING `+invoiceColumns,
		req.InvoiceID, string(req.From), string(req.To), req.PaymentIntentID, req.FailureReason))
	if err == nil {
		return inv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to transition invoice: %w", err)
	}

	current, err := s.GetInvoice(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	return current, reconcile.ErrInvalidTransition
}

// GetEngagement implements reconcile.EngagementDirectory
func (s *Storage) GetEngagement(ctx context.Context, engagementID string) (*reconcile.Engagement, error) {
	var eng reconcile.Engagement
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, consultant_id, payout_account_id, currency, title, client_email
			FROM engagements WHERE id = $1`,
		engagementID).Scan(&eng.ID, &eng.TenantID, &eng.ConsultantID, &eng.PayoutAccountID,
		&eng.Currency, &eng.Title, &eng.ClientEmail)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrEngagementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get engagement: %w", err)
	}
	return &eng, nil
}

// HasProcessed implements reconcile.EventLog
func (s *Storage) HasProcessed(ctx context.Context, provider reconcile.Provider, eventID string) (bool, error) {
	var seen bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM webhook_events WHERE provider = $1 AND event_id = $2)`,
		string(provider), eventID).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("failed to check webhook event: %w", err)
	}
	return seen, nil
}

// MarkProcessed implements reconcile.EventLog
func (s *Storage) MarkProcessed(ctx context.Context, evt *reconcile.WebhookEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_events (provider, event_id, event_type, processed_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (provider, event_id) DO NOTHING`,
		string(evt.Provider), evt.EventID, evt.EventType, evt.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	return nil
}

// RolesFor implements reconcile.RoleStore
func (s *Storage) RolesFor(ctx context.Context, subject string) ([]reconcile.Role, error) {
	rows, err := s.pool.Query(ctx, `SELECT role FROM admin_roles WHERE subject = LOWER($1) ORDER BY role`, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to load roles: %w", err)
	}
	defer rows.Close()

	var roles []reconcile.Role
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, reconcile.Role(role))
	}
	return roles, rows.Err()
}

// AssignRole records a role for subject.
func (s *Storage) AssignRole(ctx context.Context, subject string, role reconcile.Role) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO admin_roles (subject, role) VALUES (LOWER(TRIM($1)), $2) ON CONFLICT DO NOTHING`,
		subject, string(role))
	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return nil
}

// TenantIDs returns every tenant id, oldest first. Maintenance commands iterate over it.
func (s *Storage) TenantIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM tenants ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// startCleanup periodically prunes old webhook events until ctx is canceled
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//nolint:errcheck // the next tick retries
			_, _ = s.PruneEvents(ctx, time.Now().UTC().Add(-s.config.EventRetention))
		}
	}
}

// PruneEvents deletes webhook events processed before cutoff.
func (s *Storage) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhook_events WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune webhook events: %w", err)
	}
	return tag.RowsAffected(), nil
}

var (
	_ reconcile.Storage             = (*Storage)(nil)
	_ reconcile.EventLog            = (*Storage)(nil)
	_ reconcile.RoleStore           = (*Storage)(nil)
	_ reconcile.EngagementDirectory = (*Storage)(nil)
)
