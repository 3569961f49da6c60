// Package logs implements the 'tracefold logs' subcommands for inspecting
// and clearing the locally recorded trails.
package logs

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/tracefold/tracefold/eventstore"
)

// ShowOptions filter the request listing.
type ShowOptions struct {
	DBPath     string
	Limit      int
	ErrorsOnly bool
	Method     string
	Search     string
}

// HandleShowCommand prints a table of recent requests, newest first.
func HandleShowCommand(opts ShowOptions) error {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	store, err := eventstore.Open(opts.DBPath, eventstore.Options{})
	if err != nil {
		return fmt.Errorf("open trail database: %w", err)
	}
	defer store.Close()

	filters := eventstore.RequestFilters{Method: opts.Method, Search: opts.Search}
	if opts.ErrorsOnly {
		isErr := true
		filters.IsError = &isErr
	}

	page, err := store.ListRequests(filters, 1, opts.Limit)
	if err != nil {
		return fmt.Errorf("list requests: %w", err)
	}

	if page.TotalCount == 0 {
		fmt.Println("No recorded requests match.")
		return nil
	}

	header := color.New(color.FgYellow, color.Bold)
	okStyle := color.New(color.FgGreen)
	errStyle := color.New(color.FgRed)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	header.Fprintln(w, "TIME\tMETHOD\tURL\tSTATUS\tDURATION\tREQUEST ID")
	for _, req := range page.Requests {
		status := "-"
		style := okStyle
		if req.StatusCode != nil {
			status = fmt.Sprintf("%d", *req.StatusCode)
		}
		if req.IsError {
			style = errStyle
		}
		duration := "-"
		if req.DurationMs != nil {
			duration = fmt.Sprintf("%.1fms", *req.DurationMs)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			req.StartTime.Local().Format("2006-01-02 15:04:05"),
			req.Method,
			req.URL,
			style.Sprint(status),
			duration,
			req.RequestID,
		)
	}
	w.Flush()

	fmt.Printf("\nShowing %d of %d recorded requests.\n", len(page.Requests), page.TotalCount)
	return nil
}

// HandleDetailCommand prints one request with its actions and jobs.
func HandleDetailCommand(dbPath, requestID string) error {
	store, err := eventstore.Open(dbPath, eventstore.Options{})
	if err != nil {
		return fmt.Errorf("open trail database: %w", err)
	}
	defer store.Close()

	detail, err := store.GetRequestDetail(requestID)
	if err != nil {
		return fmt.Errorf("load request: %w", err)
	}
	if detail == nil {
		return fmt.Errorf("no request with id %s", requestID)
	}

	header := color.New(color.FgYellow, color.Bold)
	req := detail.Request

	header.Printf("Request %s\n", req.RequestID)
	fmt.Printf("  %s %s\n", req.Method, req.URL)
	if req.StatusCode != nil {
		fmt.Printf("  Status: %d\n", *req.StatusCode)
	}
	if req.DurationMs != nil {
		fmt.Printf("  Duration: %.1fms\n", *req.DurationMs)
	}
	if req.ErrorMessage != nil {
		color.Red("  Error: %s", *req.ErrorMessage)
	}

	if len(detail.Actions) > 0 {
		header.Println("\nActions:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  NAME\tTYPE\tDURATION\tTOKENS\tERROR")
		for _, act := range detail.Actions {
			duration := "-"
			if act.DurationMs != nil {
				duration = fmt.Sprintf("%.1fms", *act.DurationMs)
			}
			tokens := "-"
			if act.LLMTotalTokens != nil {
				tokens = fmt.Sprintf("%d", *act.LLMTotalTokens)
			}
			errMsg := ""
			if act.ErrorMessage != nil {
				errMsg = *act.ErrorMessage
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n", act.ActionName, act.ActionType, duration, tokens, errMsg)
		}
		w.Flush()
	}

	if len(detail.Jobs) > 0 {
		header.Println("\nJobs:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  JOB ID\tSTATUS\tDURATION")
		for _, job := range detail.Jobs {
			duration := "-"
			if job.DurationMs != nil {
				duration = fmt.Sprintf("%.1fms", *job.DurationMs)
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\n", job.JobID, job.Status, duration)
		}
		w.Flush()
	}

	return nil
}

// HandleClearCommand wipes all recorded trails after confirmation. Pass
// force to skip the prompt.
func HandleClearCommand(dbPath string, force bool) error {
	if !force {
		fmt.Printf("This will delete all recorded trails at: %s\n", dbPath)
		fmt.Print("Are you sure you want to continue? [y/N]: ")

		var input string
		fmt.Scanln(&input)
		input = strings.TrimSpace(strings.ToLower(input))
		if input != "y" && input != "yes" {
			fmt.Println("Operation cancelled.")
			return nil
		}
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No trail database found.")
		return nil
	}

	store, err := eventstore.Open(dbPath, eventstore.Options{})
	if err != nil {
		return fmt.Errorf("open trail database: %w", err)
	}
	defer store.Close()

	if err := store.ClearAll(); err != nil {
		return fmt.Errorf("clear trails: %w", err)
	}
	fmt.Printf("Cleared all recorded trails in: %s\n", dbPath)
	return nil
}
