package httpapi

import (
	"encoding/json"
	"time"

	"github.com/bridgekit/walletbridge/internal/delivery"
	"github.com/bridgekit/walletbridge/internal/ledger"
)

type accountResponse struct {
	ID                string    `json:"id"`
	UpstreamAccountID string    `json:"upstream_account_id"`
	Email             string    `json:"email"`
	FirstName         string    `json:"first_name"`
	LastName          string    `json:"last_name"`
	Reference         string    `json:"reference,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

func accountDTO(a *ledger.Account) accountResponse {
	return accountResponse{
		ID:                a.ID,
		UpstreamAccountID: a.UpstreamAccountID,
		Email:             a.Email,
		FirstName:         a.FirstName,
		LastName:          a.LastName,
		Reference:         a.Reference,
		CreatedAt:         a.CreatedAt,
	}
}

type walletResponse struct {
	ID               string `json:"id"`
	UpstreamWalletID string `json:"upstream_wallet_id"`
	Name             string `json:"name"`
	Currency         string `json:"currency"`
	Balance          string `json:"balance"`
	Locked           string `json:"locked"`
	IsCrypto         bool   `json:"is_crypto"`
	DefaultNetwork   string `json:"default_network,omitempty"`
	DepositAddress   string `json:"deposit_address,omitempty"`
	DestinationTag   string `json:"destination_tag,omitempty"`
}

func walletDTO(w *ledger.Wallet) walletResponse {
	return walletResponse{
		ID:               w.ID,
		UpstreamWalletID: w.UpstreamWalletID,
		Name:             w.Name,
		Currency:         w.Currency,
		Balance:          w.Balance,
		Locked:           w.Locked,
		IsCrypto:         w.IsCrypto,
		DefaultNetwork:   w.DefaultNetwork,
		DepositAddress:   w.DepositAddress,
		DestinationTag:   w.DestinationTag,
	}
}

type depositResponse struct {
	ID                    string    `json:"id"`
	UpstreamDepositID     string    `json:"upstream_deposit_id"`
	WalletID              string    `json:"wallet_id"`
	Currency              string    `json:"currency"`
	Network               string    `json:"network,omitempty"`
	Amount                string    `json:"amount"`
	Fee                   string    `json:"fee"`
	TxID                  string    `json:"txid,omitempty"`
	Status                string    `json:"status"`
	Confirmations         int       `json:"confirmations"`
	RequiredConfirmations int       `json:"required_confirmations"`
	Credited              bool      `json:"credited"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

func depositDTO(d *ledger.Deposit) depositResponse {
	return depositResponse{
		ID:                    d.ID,
		UpstreamDepositID:     d.UpstreamDepositID,
		WalletID:              d.WalletID,
		Currency:              d.Currency,
		Network:               d.Network,
		Amount:                d.Amount,
		Fee:                   d.Fee,
		TxID:                  d.TxID,
		Status:                string(d.Status),
		Confirmations:         d.Confirmations,
		RequiredConfirmations: d.RequiredConfirmations,
		Credited:              d.Credited,
		CreatedAt:             d.CreatedAt,
		UpdatedAt:             d.UpdatedAt,
	}
}

type recordResponse struct {
	ID             string          `json:"id"`
	EventKey       string          `json:"event_key"`
	TargetURL      string          `json:"target_url"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ResourceType   string          `json:"resource_type"`
	ResourceID     string          `json:"resource_id"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"last_error,omitempty"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	NextAttemptAt  *time.Time      `json:"next_attempt_at,omitempty"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
	FailedAt       *time.Time      `json:"failed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func recordDTO(r *delivery.Record) recordResponse {
	return recordResponse{
		ID:             r.ID,
		EventKey:       r.EventKey,
		TargetURL:      r.TargetURL,
		Payload:        json.RawMessage(r.Payload),
		ResourceType:   r.ResourceType,
		ResourceID:     r.ResourceID,
		Status:         r.Status,
		Attempts:       r.Attempts,
		LastError:      r.LastError,
		LastAttemptAt:  r.LastAttemptAt,
		NextAttemptAt:  r.NextAttemptAt,
		AcknowledgedAt: r.AcknowledgedAt,
		FailedAt:       r.FailedAt,
		CreatedAt:      r.CreatedAt,
	}
}
