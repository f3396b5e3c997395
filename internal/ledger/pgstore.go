package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is the Postgres-backed ledger store.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// CreateAccount inserts the account and its provisioned wallets in one
// transaction.
func (s *PgStore) CreateAccount(ctx context.Context, acct Account, wallets []Wallet) (*Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO walletbridge.accounts(upstream_account_id, email, first_name, last_name, reference)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		acct.UpstreamAccountID, acct.Email, acct.FirstName, acct.LastName, acct.Reference,
	).Scan(&acct.ID, &acct.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}

	batch := &pgx.Batch{}
	for _, w := range wallets {
		batch.Queue(`
			INSERT INTO walletbridge.wallets(upstream_wallet_id, account_id, name, currency, is_crypto, default_network)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))`,
			w.UpstreamWalletID, acct.ID, w.Name, w.Currency, w.IsCrypto, w.DefaultNetwork)
	}
	br := tx.SendBatch(ctx, batch)
	for range wallets {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return nil, fmt.Errorf("insert wallet: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &acct, nil
}

func (s *PgStore) AccountByUpstreamID(ctx context.Context, upstreamAccountID string) (*Account, error) {
	var a Account
	err := s.pool.QueryRow(ctx, `
		SELECT id, upstream_account_id, email, first_name, last_name, COALESCE(reference, ''), created_at
		FROM walletbridge.accounts
		WHERE upstream_account_id = $1`,
		upstreamAccountID,
	).Scan(&a.ID, &a.UpstreamAccountID, &a.Email, &a.FirstName, &a.LastName, &a.Reference, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PgStore) WalletByUpstreamID(ctx context.Context, upstreamWalletID, accountID string) (*Wallet, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, upstream_wallet_id, account_id, name, currency, balance::text, locked::text,
		       is_crypto, COALESCE(default_network, ''), COALESCE(deposit_address, ''),
		       COALESCE(destination_tag, ''), created_at, updated_at
		FROM walletbridge.wallets
		WHERE upstream_wallet_id = $1 AND account_id = $2`,
		upstreamWalletID, accountID)
	return scanWallet(row)
}

func (s *PgStore) WalletsByAccount(ctx context.Context, accountID string) ([]Wallet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, upstream_wallet_id, account_id, name, currency, balance::text, locked::text,
		       is_crypto, COALESCE(default_network, ''), COALESCE(deposit_address, ''),
		       COALESCE(destination_tag, ''), created_at, updated_at
		FROM walletbridge.wallets
		WHERE account_id = $1
		ORDER BY currency`,
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func scanWallet(row pgx.Row) (*Wallet, error) {
	var w Wallet
	err := row.Scan(&w.ID, &w.UpstreamWalletID, &w.AccountID, &w.Name, &w.Currency, &w.Balance, &w.Locked,
		&w.IsCrypto, &w.DefaultNetwork, &w.DepositAddress, &w.DestinationTag, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *PgStore) PaymentAddressByAddress(ctx context.Context, address, accountID string) (*PaymentAddress, error) {
	var pa PaymentAddress
	err := s.pool.QueryRow(ctx, `
		SELECT id, upstream_address_id, account_id, currency, COALESCE(network, ''), address,
		       COALESCE(destination_tag, ''), created_at
		FROM walletbridge.payment_addresses
		WHERE address = $1 AND account_id = $2`,
		address, accountID,
	).Scan(&pa.ID, &pa.UpstreamAddressID, &pa.AccountID, &pa.Currency, &pa.Network, &pa.Address,
		&pa.DestinationTag, &pa.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pa, nil
}

// UpsertPaymentAddress creates or refreshes the address row keyed by the
// upstream address id. Replays converge to the same row.
func (s *PgStore) UpsertPaymentAddress(ctx context.Context, pa PaymentAddress) (*PaymentAddress, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO walletbridge.payment_addresses(upstream_address_id, account_id, currency, network, address, destination_tag)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''))
		ON CONFLICT (upstream_address_id) DO UPDATE
		SET currency = EXCLUDED.currency,
		    network = EXCLUDED.network,
		    address = EXCLUDED.address,
		    destination_tag = EXCLUDED.destination_tag
		RETURNING id, created_at`,
		pa.UpstreamAddressID, pa.AccountID, pa.Currency, pa.Network, pa.Address, pa.DestinationTag,
	).Scan(&pa.ID, &pa.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert payment address: %w", err)
	}
	return &pa, nil
}

func (s *PgStore) DepositStatus(ctx context.Context, upstreamDepositID string) (Status, bool, error) {
	var st string
	err := s.pool.QueryRow(ctx, `
		SELECT status FROM walletbridge.deposits WHERE upstream_deposit_id = $1`,
		upstreamDepositID,
	).Scan(&st)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return Status(st), true, nil
}

// UpsertDeposit creates or overwrites the deposit keyed by the upstream
// deposit id. The write is a single statement, so concurrent replays of the
// same notification converge without duplicating rows. The conflict WHERE
// re-validates the transition against the live row, closing the window
// between the caller's status read and this write: a stale event racing a
// settlement matches zero rows and comes back as ErrInvalidTransition.
func (s *PgStore) UpsertDeposit(ctx context.Context, dep DepositUpsert) (*Deposit, error) {
	var d Deposit
	var payAddr sql.NullString
	err := s.pool.QueryRow(ctx, `
		INSERT INTO walletbridge.deposits(
			upstream_deposit_id, account_id, wallet_id, payment_address_id,
			currency, network, amount, fee, txid, status, confirmations, required_confirmations, raw_payload)
		VALUES ($1, $2, $3, NULLIF($4, '')::uuid, $5, NULLIF($6, ''), $7::numeric, $8::numeric,
		        NULLIF($9, ''), $10, $11, $12, $13::jsonb)
		ON CONFLICT (upstream_deposit_id) DO UPDATE
		SET account_id = EXCLUDED.account_id,
		    wallet_id = EXCLUDED.wallet_id,
		    payment_address_id = EXCLUDED.payment_address_id,
		    currency = EXCLUDED.currency,
		    network = EXCLUDED.network,
		    amount = EXCLUDED.amount,
		    fee = EXCLUDED.fee,
		    txid = EXCLUDED.txid,
		    status = EXCLUDED.status,
		    confirmations = EXCLUDED.confirmations,
		    required_confirmations = EXCLUDED.required_confirmations,
		    raw_payload = EXCLUDED.raw_payload,
		    updated_at = now()
		WHERE walletbridge.deposits.status = EXCLUDED.status
		   OR walletbridge.deposits.status = 'pending'
		   OR (walletbridge.deposits.status = 'confirmed' AND EXCLUDED.status <> 'pending')
		RETURNING id, upstream_deposit_id, account_id, wallet_id, payment_address_id,
		          currency, COALESCE(network, ''), amount::text, fee::text, COALESCE(txid, ''),
		          status, confirmations, required_confirmations, credited, created_at, updated_at`,
		dep.UpstreamDepositID, dep.AccountID, dep.WalletID, dep.PaymentAddressID,
		dep.Currency, dep.Network, dep.Amount, dep.Fee, dep.TxID, string(dep.Status),
		dep.Confirmations, dep.RequiredConfirmations, string(dep.RawPayload),
	).Scan(&d.ID, &d.UpstreamDepositID, &d.AccountID, &d.WalletID, &payAddr,
		&d.Currency, &d.Network, &d.Amount, &d.Fee, &d.TxID,
		&d.Status, &d.Confirmations, &d.RequiredConfirmations, &d.Credited, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: deposit %s settled concurrently", ErrInvalidTransition, dep.UpstreamDepositID)
	}
	if err != nil {
		return nil, fmt.Errorf("upsert deposit: %w", err)
	}
	if payAddr.Valid {
		d.PaymentAddressID = payAddr.String
	}
	return &d, nil
}

func (s *PgStore) DepositByUpstreamID(ctx context.Context, upstreamDepositID string) (*Deposit, error) {
	row := s.pool.QueryRow(ctx, depositSelect+` WHERE upstream_deposit_id = $1`, upstreamDepositID)
	return scanDeposit(row)
}

func (s *PgStore) DepositsByStatus(ctx context.Context, status Status, limit int) ([]Deposit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, depositSelect+` WHERE status = $1 ORDER BY updated_at DESC LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

const depositSelect = `
	SELECT id, upstream_deposit_id, account_id, wallet_id, COALESCE(payment_address_id::text, ''),
	       currency, COALESCE(network, ''), amount::text, fee::text, COALESCE(txid, ''),
	       status, confirmations, required_confirmations, credited, created_at, updated_at
	FROM walletbridge.deposits`

func scanDeposit(row pgx.Row) (*Deposit, error) {
	var d Deposit
	err := row.Scan(&d.ID, &d.UpstreamDepositID, &d.AccountID, &d.WalletID, &d.PaymentAddressID,
		&d.Currency, &d.Network, &d.Amount, &d.Fee, &d.TxID,
		&d.Status, &d.Confirmations, &d.RequiredConfirmations, &d.Credited, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreditDepositOnce flips the deposit's credited flag with a conditional
// update and applies the balance increment in the same transaction. The
// conditional update is the compare-and-set: the first caller wins the row,
// every concurrent or later caller matches zero rows and does nothing.
func (s *PgStore) CreditDepositOnce(ctx context.Context, upstreamDepositID string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var walletID, amount string
	err = tx.QueryRow(ctx, `
		UPDATE walletbridge.deposits
		SET credited = TRUE, updated_at = now()
		WHERE upstream_deposit_id = $1 AND status = 'successful' AND NOT credited
		RETURNING wallet_id, amount::text`,
		upstreamDepositID,
	).Scan(&walletID, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("credit guard: %w", err)
	}

	// single atomic increment, never read-modify-write
	if _, err := tx.Exec(ctx, `
		UPDATE walletbridge.wallets
		SET balance = balance + $2::numeric, updated_at = now()
		WHERE id = $1`,
		walletID, amount,
	); err != nil {
		return false, fmt.Errorf("credit wallet: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}
