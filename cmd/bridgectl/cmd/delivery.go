package cmd

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

type deliveryRecord struct {
	ID             string     `json:"id"`
	EventKey       string     `json:"event_key"`
	TargetURL      string     `json:"target_url"`
	ResourceType   string     `json:"resource_type"`
	ResourceID     string     `json:"resource_id"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error"`
	LastAttemptAt  *time.Time `json:"last_attempt_at"`
	NextAttemptAt  *time.Time `json:"next_attempt_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at"`
	FailedAt       *time.Time `json:"failed_at"`
	CreatedAt      time.Time  `json:"created_at"`
}

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Manage webhook deliveries",
	Long:  `Check delivery records, list them by status, and replay deliveries.`,
}

// deliveryStatusCmd represents the delivery status command
var deliveryStatusCmd = &cobra.Command{
	Use:   "status [event-key]",
	Short: "Get the delivery record for an event",
	Long: `Get the delivery record and attempt history for a specific event key.

Example:
  bridgectl delivery status deposit:dep_123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eventKey := args[0]

		var rec deliveryRecord
		if err := callAPI("GET", "/v1/deliveries/"+url.PathEscape(eventKey), nil, &rec); err != nil {
			return fmt.Errorf("failed to get delivery record: %w", err)
		}

		if outputJSON {
			printOutput(rec)
		} else {
			printDeliveryRecord(rec)
		}
		return nil
	},
}

// deliveryListCmd represents the delivery list command
var deliveryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List delivery records by status",
	Long: `List delivery records filtered by status (pending, acknowledged, failed).

Example:
  bridgectl delivery list --status failed --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		path := fmt.Sprintf("/v1/deliveries?status=%s&limit=%d", url.QueryEscape(status), limit)
		var recs []deliveryRecord
		if err := callAPI("GET", path, nil, &recs); err != nil {
			return fmt.Errorf("failed to list delivery records: %w", err)
		}

		if outputJSON {
			printOutput(recs)
			return nil
		}

		fmt.Printf("Delivery records (%s):\n", status)
		if len(recs) == 0 {
			fmt.Println("  No records found")
			return nil
		}
		for i := range recs {
			fmt.Println()
			printDeliveryRecord(recs[i])
		}
		return nil
	},
}

// deliveryReplayCmd represents the delivery replay command
var deliveryReplayCmd = &cobra.Command{
	Use:   "replay [event-key]",
	Short: "Replay a delivery",
	Long: `Reset a delivery record and enqueue a fresh delivery attempt.

Example:
  bridgectl delivery replay deposit:dep_123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eventKey := args[0]

		var rec deliveryRecord
		if err := callAPI("POST", "/v1/deliveries/"+url.PathEscape(eventKey)+"/replay", nil, &rec); err != nil {
			return fmt.Errorf("failed to replay delivery: %w", err)
		}

		if outputJSON {
			printOutput(rec)
		} else {
			fmt.Printf("Replayed delivery: %s\n", rec.EventKey)
			fmt.Printf("  Status: %s\n", rec.Status)
			fmt.Printf("  Attempts: %d\n", rec.Attempts)
			fmt.Printf("  Target URL: %s\n", rec.TargetURL)
		}
		return nil
	},
}

func printDeliveryRecord(rec deliveryRecord) {
	fmt.Printf("  Event key: %s\n", rec.EventKey)
	fmt.Printf("  Resource: %s %s\n", rec.ResourceType, rec.ResourceID)
	fmt.Printf("  Status: %s\n", rec.Status)
	fmt.Printf("  Attempts: %d\n", rec.Attempts)
	fmt.Printf("  Target URL: %s\n", rec.TargetURL)
	if rec.LastError != "" {
		fmt.Printf("  Last error: %s\n", rec.LastError)
	}
	fmt.Printf("  Last attempt: %s\n", formatTime(rec.LastAttemptAt))
	fmt.Printf("  Next attempt: %s\n", formatTime(rec.NextAttemptAt))
	if rec.AcknowledgedAt != nil {
		fmt.Printf("  Acknowledged: %s\n", formatTime(rec.AcknowledgedAt))
	}
	if rec.FailedAt != nil {
		fmt.Printf("  Failed: %s\n", formatTime(rec.FailedAt))
	}
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(deliveryStatusCmd)
	deliveryCmd.AddCommand(deliveryListCmd)
	deliveryCmd.AddCommand(deliveryReplayCmd)

	// Flags for list command
	deliveryListCmd.Flags().String("status", "failed", "delivery status to filter by")
	deliveryListCmd.Flags().Int("limit", 20, "maximum number of results")
}
