// Command ledger_audit cross-checks stored conduct score states against a
// re-sum of the event ledger through the public API. A mismatch means a score
// row was written outside the aggregator and needs investigation.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

type scoreState struct {
	StudentID  string `json:"student_id"`
	TermID     string `json:"term_id"`
	Total      int    `json:"total"`
	EventCount int    `json:"event_count"`
}

type scoredEvent struct {
	ID         string `json:"id"`
	PointDelta int    `json:"point_delta"`
}

type envelope struct {
	Data       json.RawMessage `json:"data"`
	Pagination *struct {
		Page       int `json:"page"`
		PageSize   int `json:"page_size"`
		TotalCount int `json:"total_count"`
	} `json:"pagination"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type drift struct {
	StudentID   string
	StoredTotal int
	LedgerTotal int
	EventCount  int
}

func main() {
	var (
		base    string
		termID  string
		timeout time.Duration
	)

	flag.StringVar(&base, "base", "http://localhost:8080", "Conduct API base URL")
	flag.StringVar(&termID, "term", "", "Term ID to audit (required)")
	flag.DurationVar(&timeout, "timeout", 10*time.Second, "HTTP client timeout")
	flag.Parse()

	if termID == "" {
		log.Fatal("missing required -term flag")
	}

	client := &http.Client{Timeout: timeout}

	states, err := fetchScoreStates(client, base, termID)
	if err != nil {
		log.Fatalf("failed to load score states: %v", err)
	}

	var drifts []drift
	for _, state := range states {
		ledgerTotal, err := sumEvents(client, base, state.StudentID, termID)
		if err != nil {
			log.Fatalf("failed to sum events for %s: %v", state.StudentID, err)
		}
		if ledgerTotal != state.Total {
			drifts = append(drifts, drift{
				StudentID:   state.StudentID,
				StoredTotal: state.Total,
				LedgerTotal: ledgerTotal,
				EventCount:  state.EventCount,
			})
		}
	}

	printReport(termID, len(states), drifts)
	if len(drifts) > 0 {
		os.Exit(1)
	}
}

func fetchScoreStates(client *http.Client, base, termID string) ([]scoreState, error) {
	var env envelope
	if err := getJSON(client, fmt.Sprintf("%s/api/v1/terms/%s/scores", strings.TrimRight(base, "/"), url.PathEscape(termID)), &env); err != nil {
		return nil, err
	}
	if env.Error != nil {
		return nil, fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)
	}
	var states []scoreState
	if err := json.Unmarshal(env.Data, &states); err != nil {
		return nil, err
	}
	return states, nil
}

func sumEvents(client *http.Client, base, studentID, termID string) (int, error) {
	total := 0
	for page := 1; ; page++ {
		endpoint := fmt.Sprintf("%s/api/v1/students/%s/events?termId=%s&page=%d&limit=200",
			strings.TrimRight(base, "/"), url.PathEscape(studentID), url.QueryEscape(termID), page)
		var env envelope
		if err := getJSON(client, endpoint, &env); err != nil {
			return 0, err
		}
		if env.Error != nil {
			return 0, fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)
		}
		var events []scoredEvent
		if err := json.Unmarshal(env.Data, &events); err != nil {
			return 0, err
		}
		for _, event := range events {
			total += event.PointDelta
		}
		if env.Pagination == nil || page*env.Pagination.PageSize >= env.Pagination.TotalCount || len(events) == 0 {
			return total, nil
		}
	}
}

func getJSON(client *http.Client, endpoint string, dest *envelope) error {
	resp, err := client.Get(endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, dest)
}

func printReport(termID string, audited int, drifts []drift) {
	fmt.Println("Ledger Audit Report")
	fmt.Println("===================")
	fmt.Printf("Term: %s | Students audited: %d | Drifts: %d\n", termID, audited, len(drifts))
	for _, d := range drifts {
		fmt.Printf("[DRIFT] student=%s stored=%d ledger=%d events=%d\n",
			d.StudentID, d.StoredTotal, d.LedgerTotal, d.EventCount)
	}
	if len(drifts) == 0 {
		fmt.Println("All stored totals match the ledger.")
	}
}
