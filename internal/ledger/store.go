package ledger

import (
	"context"
)

// DepositUpsert carries the fields written on each deposit upsert. The status
// has already been produced by Transition.
type DepositUpsert struct {
	UpstreamDepositID     string
	AccountID             string
	WalletID              string
	PaymentAddressID      string // optional
	Currency              string
	Network               string
	Amount                string
	Fee                   string
	TxID                  string
	Status                Status
	Confirmations         int
	RequiredConfirmations int
	RawPayload            []byte // full upstream payload for audit
}

// Store is the durable ledger surface the ingestion handler drives. The
// Postgres implementation is PgStore; tests substitute an in-memory fake.
type Store interface {
	// accounts
	CreateAccount(ctx context.Context, acct Account, wallets []Wallet) (*Account, error)
	AccountByUpstreamID(ctx context.Context, upstreamAccountID string) (*Account, error)

	// wallets
	WalletByUpstreamID(ctx context.Context, upstreamWalletID, accountID string) (*Wallet, error)
	WalletsByAccount(ctx context.Context, accountID string) ([]Wallet, error)

	// payment addresses
	PaymentAddressByAddress(ctx context.Context, address, accountID string) (*PaymentAddress, error)
	UpsertPaymentAddress(ctx context.Context, pa PaymentAddress) (*PaymentAddress, error)

	// deposits
	DepositStatus(ctx context.Context, upstreamDepositID string) (Status, bool, error)
	UpsertDeposit(ctx context.Context, dep DepositUpsert) (*Deposit, error)
	DepositByUpstreamID(ctx context.Context, upstreamDepositID string) (*Deposit, error)
	DepositsByStatus(ctx context.Context, status Status, limit int) ([]Deposit, error)

	// CreditDepositOnce applies the wallet balance credit for a successful
	// deposit exactly once. It reports whether this call performed the
	// credit. The not-yet-credited check and the balance increment are a
	// single conditional update inside one transaction, so concurrent
	// replays of the terminal notification cannot double-credit.
	CreditDepositOnce(ctx context.Context, upstreamDepositID string) (bool, error)
}
