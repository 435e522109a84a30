package cli

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/AgentTether/AgentTether/internal/config"
	"github.com/AgentTether/AgentTether/internal/threadstate"
	"github.com/AgentTether/AgentTether/internal/timeline"
)

var threadsHistory string

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List registered approval threads",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config error: %v\n", err)
			os.Exit(1)
		}
		if threadsHistory != "" {
			printThreadHistory(cfg, threadsHistory)
			return
		}
		store := threadstate.NewStore(cfg.StateFile())
		store.Load()

		all := store.All()
		if len(all) == 0 {
			fmt.Println("No threads registered.")
			return
		}
		ids := make([]string, 0, len(all))
		for id := range all {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Printf("%-16s %s\n", id, all[id])
		}
	},
}

// printThreadHistory dumps the audited lifecycle events of one thread.
func printThreadHistory(cfg *config.Config, threadID string) {
	svc, ok := openAudit(cfg)
	if !ok {
		return
	}
	defer svc.Close()

	events, err := svc.ListThreadEvents(threadID, 0)
	if err != nil {
		fmt.Printf("Query error: %v\n", err)
		os.Exit(1)
	}
	if len(events) == 0 {
		fmt.Printf("No audited events for thread %s.\n", threadID)
		return
	}
	for _, e := range events {
		line := fmt.Sprintf("%s  %-8s", e.CreatedAt.Format("2006-01-02 15:04:05"), e.EventType)
		if e.Detail != "" {
			line += " " + e.Detail
		}
		fmt.Println(line)
	}
}

// openAudit opens the audit DB, or reports why it cannot.
func openAudit(cfg *config.Config) (*timeline.Service, bool) {
	if !cfg.Audit.Enabled {
		fmt.Println("Auditing is disabled (audit.enabled).")
		return nil, false
	}
	svc, err := timeline.NewService(cfg.AuditDBPath())
	if err != nil {
		fmt.Printf("Audit DB error: %v\n", err)
		os.Exit(1)
	}
	return svc, true
}

var (
	approvalsStatus  string
	approvalsThread  string
	approvalsLimit   int
	approvalsRequest string
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List audited approval requests",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config error: %v\n", err)
			os.Exit(1)
		}
		svc, ok := openAudit(cfg)
		if !ok {
			return
		}
		defer svc.Close()

		if approvalsRequest != "" {
			printRequestDetail(svc, approvalsRequest)
			return
		}

		records, err := svc.ListRequests(timeline.RequestFilter{
			Status:   approvalsStatus,
			ThreadID: approvalsThread,
			Limit:    approvalsLimit,
		})
		if err != nil {
			fmt.Printf("Query error: %v\n", err)
			os.Exit(1)
		}
		if len(records) == 0 {
			fmt.Println("No matching requests.")
			return
		}
		for _, r := range records {
			line := fmt.Sprintf("%s  %-13s %-10s thread=%s tool=%s",
				r.CreatedAt.Format("2006-01-02 15:04:05"), r.Status, r.Kind, r.ThreadID, r.Tool)
			if r.Timer != "" {
				line += " timer=" + r.Timer
			}
			if r.Reason != "" {
				line += " reason=" + r.Reason
			}
			fmt.Println(line)
		}

		counts, err := svc.CountByStatus()
		if err == nil && len(counts) > 0 {
			fmt.Println()
			statuses := make([]string, 0, len(counts))
			for s := range counts {
				statuses = append(statuses, s)
			}
			sort.Strings(statuses)
			for _, s := range statuses {
				fmt.Printf("%-13s %d\n", s, counts[s])
			}
		}
	},
}

// printRequestDetail shows one audited request in full.
func printRequestDetail(svc *timeline.Service, requestID string) {
	r, err := svc.GetRequest(requestID)
	if err != nil {
		fmt.Printf("Query error: %v\n", err)
		os.Exit(1)
	}
	if r == nil {
		fmt.Printf("No request with id %s.\n", requestID)
		return
	}
	fmt.Printf("Request:   %s\n", r.RequestID)
	fmt.Printf("Thread:    %s\n", r.ThreadID)
	fmt.Printf("Kind:      %s\n", r.Kind)
	fmt.Printf("Tool:      %s\n", r.Tool)
	fmt.Printf("Status:    %s\n", r.Status)
	if r.Timer != "" {
		fmt.Printf("Timer:     %s\n", r.Timer)
	}
	if r.Reason != "" {
		fmt.Printf("Reason:    %s\n", r.Reason)
	}
	if r.Username != "" {
		fmt.Printf("By:        %s\n", r.Username)
	}
	fmt.Printf("Created:   %s\n", r.CreatedAt.Format("2006-01-02 15:04:05"))
	if r.RespondedAt != nil {
		fmt.Printf("Responded: %s\n", r.RespondedAt.Format("2006-01-02 15:04:05"))
	}
	if r.Arguments != "" {
		fmt.Printf("Arguments:\n%s\n", r.Arguments)
	}
}

func init() {
	threadsCmd.Flags().StringVar(&threadsHistory, "history", "", "show audited events for a thread id")
	approvalsCmd.Flags().StringVar(&approvalsStatus, "status", "", "filter by status (pending, approved, denied, auto_approved, abandoned)")
	approvalsCmd.Flags().StringVar(&approvalsThread, "thread", "", "filter by thread id")
	approvalsCmd.Flags().IntVar(&approvalsLimit, "limit", 50, "maximum rows")
	approvalsCmd.Flags().StringVar(&approvalsRequest, "request", "", "show one request in full by request id")
}
