// rolloutctl is the operator CLI for the rollout controller. Promote and
// rollback display the comparison statistics the decision is based on
// before taking effect.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crechebooks/rollout/internal/models"
)

type client struct {
	addr       string
	token      string
	debugToken string
	http       *http.Client
}

func main() {
	addr := flag.String("addr", envOr("ROLLOUT_ADDR", "http://localhost:8072"), "rollout service base URL")
	token := flag.String("token", os.Getenv("ROLLOUT_TOKEN"), "operator bearer token")
	debugToken := flag.String("debug-token", os.Getenv("ROLLOUT_DEBUG_TOKEN"), "dev debug token")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	c := &client{
		addr:       strings.TrimRight(*addr, "/"),
		token:      *token,
		debugToken: *debugToken,
		http:       &http.Client{Timeout: 30 * time.Second},
	}

	var err error
	switch args[0] {
	case "status":
		err = cmdStatus(c, args[1:])
	case "report":
		err = cmdReport(c, args[1:])
	case "shadow":
		err = cmdShadow(c, args[1:])
	case "promote":
		err = cmdPromote(c, args[1:])
	case "rollback":
		err = cmdRollback(c, args[1:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "rolloutctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: rolloutctl [-addr URL] [-token T] <command> [flags]

commands:
  status   -tenant ID                               list capability modes
  report   -tenant ID -capability C [-window N]     show comparison report
  shadow   -tenant ID -capability C [-reason R]     enable shadow mode
  promote  -tenant ID -capability C [-criteria F] [-yes]  promote to primary
  rollback -tenant ID -capability C [-reason R] [-yes]    disable immediately`)
}

func cmdStatus(c *client, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	tenant := fs.String("tenant", "", "tenant id")
	fs.Parse(args)
	if *tenant == "" {
		return fmt.Errorf("-tenant required")
	}

	var statuses []models.CapabilityStatus
	if err := c.get(fmt.Sprintf("/rollout/%s/status", *tenant), &statuses); err != nil {
		return err
	}
	w := newTabWriter()
	fmt.Fprintln(w, "CAPABILITY\tMODE")
	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%s\n", s.Capability, s.Mode)
	}
	return w.Flush()
}

func cmdReport(c *client, args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	tenant := fs.String("tenant", "", "tenant id")
	capability := fs.String("capability", "", "capability id")
	window := fs.Int("window", 0, "window in days (0 = service default)")
	fs.Parse(args)
	if *tenant == "" || *capability == "" {
		return fmt.Errorf("-tenant and -capability required")
	}
	rep, err := c.fetchReport(*tenant, *capability, *window)
	if err != nil {
		return err
	}
	printReport(rep)
	return nil
}

func cmdShadow(c *client, args []string) error {
	fs := flag.NewFlagSet("shadow", flag.ExitOnError)
	tenant := fs.String("tenant", "", "tenant id")
	capability := fs.String("capability", "", "capability id")
	reason := fs.String("reason", "", "transition reason")
	fs.Parse(args)
	if *tenant == "" || *capability == "" {
		return fmt.Errorf("-tenant and -capability required")
	}

	var updated models.RolloutFlag
	if err := c.post(fmt.Sprintf("/rollout/%s/%s/shadow", *tenant, *capability), map[string]string{"reason": *reason}, &updated); err != nil {
		return err
	}
	fmt.Printf("%s/%s now %s\n", updated.TenantID, updated.Capability, updated.Mode)
	return nil
}

func cmdPromote(c *client, args []string) error {
	fs := flag.NewFlagSet("promote", flag.ExitOnError)
	tenant := fs.String("tenant", "", "tenant id")
	capability := fs.String("capability", "", "capability id")
	criteriaFile := fs.String("criteria", "", "YAML file with criteria overrides")
	window := fs.Int("window", 0, "window in days (0 = service default)")
	yes := fs.Bool("yes", false, "skip confirmation")
	fs.Parse(args)
	if *tenant == "" || *capability == "" {
		return fmt.Errorf("-tenant and -capability required")
	}

	var criteria *models.PromotionCriteria
	if *criteriaFile != "" {
		loaded, err := loadCriteria(*criteriaFile)
		if err != nil {
			return err
		}
		criteria = loaded
	}

	rep, err := c.fetchReport(*tenant, *capability, *window)
	if err != nil {
		return err
	}
	printReport(rep)

	if !*yes && !confirm(fmt.Sprintf("Promote %s/%s to primary?", *tenant, *capability)) {
		fmt.Println("aborted")
		return nil
	}

	var result models.PromotionResult
	body := map[string]interface{}{}
	if criteria != nil {
		body["criteria"] = criteria
	}
	if err := c.post(fmt.Sprintf("/rollout/%s/%s/promote", *tenant, *capability), body, &result); err != nil {
		return err
	}
	if !result.Success {
		fmt.Printf("promotion blocked: %s\n", result.Reason)
		return nil
	}
	fmt.Printf("promoted %s/%s: %s -> %s\n", *tenant, *capability, result.PreviousMode, result.NewMode)
	return nil
}

func cmdRollback(c *client, args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	tenant := fs.String("tenant", "", "tenant id")
	capability := fs.String("capability", "", "capability id")
	reason := fs.String("reason", "", "rollback reason")
	yes := fs.Bool("yes", false, "skip confirmation")
	fs.Parse(args)
	if *tenant == "" || *capability == "" {
		return fmt.Errorf("-tenant and -capability required")
	}

	// Show the stats the operator is acting on, but never let report
	// failures block the brake.
	if rep, err := c.fetchReport(*tenant, *capability, 0); err == nil {
		printReport(rep)
	} else {
		fmt.Printf("(report unavailable: %v)\n", err)
	}

	if !*yes && !confirm(fmt.Sprintf("Roll back %s/%s to disabled?", *tenant, *capability)) {
		fmt.Println("aborted")
		return nil
	}

	var result models.PromotionResult
	if err := c.post(fmt.Sprintf("/rollout/%s/%s/rollback", *tenant, *capability), map[string]string{"reason": *reason}, &result); err != nil {
		return err
	}
	fmt.Printf("rolled back %s/%s: %s -> %s\n", *tenant, *capability, result.PreviousMode, result.NewMode)
	return nil
}

func (c *client) fetchReport(tenant, capability string, window int) (models.ComparisonReport, error) {
	path := fmt.Sprintf("/rollout/%s/%s/report", tenant, capability)
	if window > 0 {
		path += fmt.Sprintf("?windowDays=%d", window)
	}
	var rep models.ComparisonReport
	if err := c.get(path, &rep); err != nil {
		return models.ComparisonReport{}, err
	}
	return rep, nil
}

func printReport(rep models.ComparisonReport) {
	fmt.Printf("report for %s/%s (%d day window)\n", rep.TenantID, rep.Capability, rep.WindowDays)
	fmt.Printf("  observations:       %d\n", rep.TotalObservations)
	fmt.Printf("  match rate:         %.1f%%\n", rep.MatchRate)
	fmt.Printf("  latency multiplier: %.2fx (baseline %.0fms, variant %.0fms)\n", rep.LatencyMultiplier, rep.AvgBaselineDurationMs, rep.AvgVariantDurationMs)
	fmt.Printf("  confidence:         baseline %.1f, variant %.1f\n", rep.AvgBaselineConfidence, rep.AvgVariantConfidence)
	fmt.Printf("  variant errors:     %d (%.1f%%)\n", rep.VariantFailureCount, rep.VariantErrorRate)
	if rep.MeetsPromotionCriteria {
		fmt.Println("  promotion criteria: MET")
	} else {
		fmt.Println("  promotion criteria: NOT MET")
		for _, b := range rep.Blockers {
			fmt.Printf("    - %s\n", b)
		}
	}
}

func loadCriteria(path string) (*models.PromotionCriteria, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read criteria file: %w", err)
	}
	criteria := models.DefaultPromotionCriteria()
	if err := yaml.Unmarshal(data, &criteria); err != nil {
		return nil, fmt.Errorf("parse criteria file: %w", err)
	}
	return &criteria, nil
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func (c *client) get(path string, out interface{}) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *client) post(path string, body interface{}, out interface{}) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *client) do(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.addr+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.debugToken != "" {
		req.Header.Set("X-Debug-Token", c.debugToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	// 409 carries a valid promotion result (criteria not met).
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusConflict {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}
