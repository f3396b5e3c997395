package httpapi

import (
	"strings"

	"github.com/bridgekit/walletbridge/internal/ledger"
)

// supportedCurrencies is the fixed provisioning set: one wallet per entry is
// created with every account.
var supportedCurrencies = []string{
	"btc", "usdt", "usdc", "eth", "bnb", "doge", "xrp", "sol", "link", "trx", "ngn", "usd",
}

// networkFor maps a currency to its default transfer network. Fiat and
// tag-addressed chains carry no default network.
var networkFor = map[string]string{
	"btc":  "btc",
	"eth":  "erc20",
	"usdt": "trc20",
	"usdc": "trc20",
	"bnb":  "bep20",
	"doge": "doge",
	"trx":  "trx",
	"sol":  "sol",
	"link": "erc20",
	"xrp":  "", // tag-addressed
	"ngn":  "", // fiat
	"usd":  "", // fiat
}

func isFiat(currency string) bool {
	return currency == "ngn" || currency == "usd"
}

func currencySupported(currency string) bool {
	for _, c := range supportedCurrencies {
		if c == currency {
			return true
		}
	}
	return false
}

// provisionWallets builds the initial zero-balance wallet set for a new
// account, one per supported currency.
func provisionWallets(upstreamAccountID string) []ledger.Wallet {
	out := make([]ledger.Wallet, 0, len(supportedCurrencies))
	for _, currency := range supportedCurrencies {
		out = append(out, ledger.Wallet{
			UpstreamWalletID: upstreamAccountID + "-" + currency,
			Name:             strings.ToUpper(currency),
			Currency:         currency,
			IsCrypto:         !isFiat(currency),
			DefaultNetwork:   networkFor[currency],
		})
	}
	return out
}
