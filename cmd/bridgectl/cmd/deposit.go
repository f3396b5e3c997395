package cmd

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

type depositView struct {
	ID                    string    `json:"id"`
	UpstreamDepositID     string    `json:"upstream_deposit_id"`
	WalletID              string    `json:"wallet_id"`
	Currency              string    `json:"currency"`
	Network               string    `json:"network"`
	Amount                string    `json:"amount"`
	Fee                   string    `json:"fee"`
	TxID                  string    `json:"txid"`
	Status                string    `json:"status"`
	Confirmations         int       `json:"confirmations"`
	RequiredConfirmations int       `json:"required_confirmations"`
	Credited              bool      `json:"credited"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// depositCmd represents the deposit command
var depositCmd = &cobra.Command{
	Use:   "deposit",
	Short: "Inspect deposits",
	Long:  `Look up deposits by their upstream identifier or list them by status.`,
}

// depositStatusCmd represents the deposit status command
var depositStatusCmd = &cobra.Command{
	Use:   "status [upstream-deposit-id]",
	Short: "Get a deposit by its upstream identifier",
	Long: `Get the ledger state of a deposit.

Example:
  bridgectl deposit status dep_123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]

		var dep depositView
		if err := callAPI("GET", "/v1/deposits/"+url.PathEscape(id), nil, &dep); err != nil {
			return fmt.Errorf("failed to get deposit: %w", err)
		}

		if outputJSON {
			printOutput(dep)
		} else {
			printDeposit(dep)
		}
		return nil
	},
}

// depositListCmd represents the deposit list command
var depositListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deposits by status",
	Long: `List deposits filtered by ledger status.

Example:
  bridgectl deposit list --status on_hold --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		path := fmt.Sprintf("/v1/deposits?status=%s&limit=%d", url.QueryEscape(status), limit)
		var deps []depositView
		if err := callAPI("GET", path, nil, &deps); err != nil {
			return fmt.Errorf("failed to list deposits: %w", err)
		}

		if outputJSON {
			printOutput(deps)
			return nil
		}

		fmt.Printf("Deposits (%s):\n", status)
		if len(deps) == 0 {
			fmt.Println("  No deposits found")
			return nil
		}
		for i := range deps {
			fmt.Println()
			printDeposit(deps[i])
		}
		return nil
	},
}

func printDeposit(dep depositView) {
	fmt.Printf("  Deposit: %s\n", dep.UpstreamDepositID)
	fmt.Printf("  Status: %s\n", dep.Status)
	fmt.Printf("  Amount: %s %s", dep.Amount, dep.Currency)
	if dep.Network != "" {
		fmt.Printf(" (%s)", dep.Network)
	}
	fmt.Println()
	if dep.Fee != "" && dep.Fee != "0" {
		fmt.Printf("  Fee: %s\n", dep.Fee)
	}
	if dep.TxID != "" {
		fmt.Printf("  TxID: %s\n", dep.TxID)
	}
	fmt.Printf("  Confirmations: %d/%d\n", dep.Confirmations, dep.RequiredConfirmations)
	fmt.Printf("  Credited: %v\n", dep.Credited)
	fmt.Printf("  Updated: %s\n", dep.UpdatedAt.Format("2006-01-02 15:04:05"))
}

func init() {
	rootCmd.AddCommand(depositCmd)
	depositCmd.AddCommand(depositStatusCmd)
	depositCmd.AddCommand(depositListCmd)

	// Flags for list command
	depositListCmd.Flags().String("status", "pending", "deposit status to filter by")
	depositListCmd.Flags().Int("limit", 20, "maximum number of results")
}
