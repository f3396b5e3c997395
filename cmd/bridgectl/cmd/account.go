package cmd

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

type accountView struct {
	ID                string    `json:"id"`
	UpstreamAccountID string    `json:"upstream_account_id"`
	Email             string    `json:"email"`
	FirstName         string    `json:"first_name"`
	LastName          string    `json:"last_name"`
	Reference         string    `json:"reference"`
	CreatedAt         time.Time `json:"created_at"`
}

type walletView struct {
	ID               string `json:"id"`
	UpstreamWalletID string `json:"upstream_wallet_id"`
	Name             string `json:"name"`
	Currency         string `json:"currency"`
	Balance          string `json:"balance"`
	Locked           string `json:"locked"`
	IsCrypto         bool   `json:"is_crypto"`
	DefaultNetwork   string `json:"default_network"`
	DepositAddress   string `json:"deposit_address"`
	DestinationTag   string `json:"destination_tag"`
}

// accountCmd represents the account command
var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage accounts and wallets",
	Long:  `Provision accounts, list their wallets, and generate deposit addresses.`,
}

// accountCreateCmd represents the account create command
var accountCreateCmd = &cobra.Command{
	Use:   "create [upstream-account-id]",
	Short: "Create an account and provision its wallets",
	Long: `Create an account and provision one wallet per supported currency.

Example:
  bridgectl account create usr_123 --email jo@example.com --first-name Jo`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		firstName, _ := cmd.Flags().GetString("first-name")
		lastName, _ := cmd.Flags().GetString("last-name")
		reference, _ := cmd.Flags().GetString("reference")

		if email == "" {
			return fmt.Errorf("--email is required")
		}

		body := map[string]string{
			"upstream_account_id": args[0],
			"email":               email,
			"first_name":          firstName,
			"last_name":           lastName,
			"reference":           reference,
		}
		var acct accountView
		if err := callAPI("POST", "/v1/accounts", body, &acct); err != nil {
			return fmt.Errorf("failed to create account: %w", err)
		}

		if outputJSON {
			printOutput(acct)
		} else {
			fmt.Printf("Created account: %s\n", acct.UpstreamAccountID)
			fmt.Printf("  ID: %s\n", acct.ID)
			fmt.Printf("  Email: %s\n", acct.Email)
			fmt.Printf("  Created: %s\n", acct.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

// accountWalletsCmd represents the account wallets command
var accountWalletsCmd = &cobra.Command{
	Use:   "wallets [upstream-account-id]",
	Short: "List an account's wallets",
	Long: `List every wallet provisioned for an account, with balances.

Example:
  bridgectl account wallets usr_123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]

		var wallets []walletView
		if err := callAPI("GET", "/v1/accounts/"+url.PathEscape(id)+"/wallets", nil, &wallets); err != nil {
			return fmt.Errorf("failed to list wallets: %w", err)
		}

		if outputJSON {
			printOutput(wallets)
			return nil
		}

		fmt.Printf("Wallets for account %s:\n", id)
		for _, w := range wallets {
			fmt.Printf("\n  %s (%s)\n", w.Name, w.Currency)
			fmt.Printf("    Balance: %s (locked %s)\n", w.Balance, w.Locked)
			if w.DefaultNetwork != "" {
				fmt.Printf("    Network: %s\n", w.DefaultNetwork)
			}
			if w.DepositAddress != "" {
				fmt.Printf("    Address: %s\n", w.DepositAddress)
				if w.DestinationTag != "" && w.DestinationTag != "0" {
					fmt.Printf("    Destination tag: %s\n", w.DestinationTag)
				}
			}
		}
		return nil
	},
}

// accountAddressCmd represents the account address command
var accountAddressCmd = &cobra.Command{
	Use:   "address [upstream-account-id] [currency]",
	Short: "Generate a deposit address for a wallet",
	Long: `Request a deposit address for one of the account's crypto wallets.

Example:
  bridgectl account address usr_123 btc`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, currency := args[0], args[1]

		path := "/v1/accounts/" + url.PathEscape(id) + "/wallets/" + url.PathEscape(currency) + "/addresses"
		var out map[string]interface{}
		if err := callAPI("POST", path, nil, &out); err != nil {
			return fmt.Errorf("failed to generate address: %w", err)
		}

		if outputJSON {
			printOutput(out)
		} else {
			fmt.Printf("Generated %s address for account %s:\n", currency, id)
			fmt.Printf("  Address: %v\n", out["address"])
			if net, ok := out["network"].(string); ok && net != "" {
				fmt.Printf("  Network: %s\n", net)
			}
			if tag, ok := out["destination_tag"].(string); ok && tag != "" && tag != "0" {
				fmt.Printf("  Destination tag: %s\n", tag)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(accountCmd)
	accountCmd.AddCommand(accountCreateCmd)
	accountCmd.AddCommand(accountWalletsCmd)
	accountCmd.AddCommand(accountAddressCmd)

	// Flags for create command
	accountCreateCmd.Flags().String("email", "", "account email address (required)")
	accountCreateCmd.Flags().String("first-name", "", "account holder first name")
	accountCreateCmd.Flags().String("last-name", "", "account holder last name")
	accountCreateCmd.Flags().String("reference", "", "external reference for the account")
}
