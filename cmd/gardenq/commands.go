package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/gardenq/internal/config"
	"github.com/kalambet/gardenq/internal/quota"
	"github.com/kalambet/gardenq/internal/syncer"
)

// jobView mirrors the API job representation with the payload left raw.
type jobView struct {
	ID            string            `json:"id"`
	Kind          string            `json:"kind"`
	Status        string            `json:"status"`
	Payload       json.RawMessage   `json:"payload"`
	Meta          map[string]string `json:"meta,omitempty"`
	Attempts      int               `json:"attempts"`
	LastError     string            `json:"last_error,omitempty"`
	NextAttemptAt *time.Time        `json:"next_attempt_at,omitempty"`
	TxHash        string            `json:"tx_hash,omitempty"`
	Note          string            `json:"note,omitempty"`
	SizeBytes     int64             `json:"size_bytes"`
	MediaCount    int               `json:"media_count"`
	CreatedAt     time.Time         `json:"created_at"`
}

type duplicateView struct {
	IsDuplicate    bool    `json:"is_duplicate"`
	ConflictType   string  `json:"conflict_type,omitempty"`
	Similarity     float64 `json:"similarity"`
	ExistingWorkID string  `json:"existing_work_id,omitempty"`
	Source         string  `json:"source,omitempty"`
}

type enqueueView struct {
	Job       jobView       `json:"job"`
	Duplicate duplicateView `json:"duplicate"`
}

type mediaUpload struct {
	Name         string    `json:"name"`
	MIMEType     string    `json:"mime_type,omitempty"`
	LastModified time.Time `json:"last_modified,omitempty"`
	Data         string    `json:"data"`
}

func splitFlag(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// readMedia loads attachments from disk. The server sniffs MIME types.
func readMedia(paths []string) ([]mediaUpload, error) {
	uploads := make([]mediaUpload, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		var modified time.Time
		if info, err := os.Stat(p); err == nil {
			modified = info.ModTime()
		}
		uploads = append(uploads, mediaUpload{
			Name:         filepath.Base(p),
			LastModified: modified,
			Data:         base64.StdEncoding.EncodeToString(data),
		})
	}
	return uploads, nil
}

func reportEnqueued(label string, res enqueueView) {
	printSuccess("Queued %s %s", label, shortID(res.Job.ID))
	if res.Duplicate.IsDuplicate {
		printWarning("possible duplicate of %s (%s, similarity %.2f)",
			res.Duplicate.ExistingWorkID, res.Duplicate.Source, res.Duplicate.Similarity)
	}
}

// --- work ---

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Queue a work submission",
	Long: `Queue a work submission for a garden action.

Examples:
  gardenq work --garden 0xabc --action act-1 --plants kale,chard --count 4
  gardenq work --garden 0xabc --action act-1 --media ./before.jpg,./after.jpg`,
	RunE: func(cmd *cobra.Command, args []string) error {
		garden, _ := cmd.Flags().GetString("garden")
		action, _ := cmd.Flags().GetString("action")
		plants, _ := cmd.Flags().GetString("plants")
		count, _ := cmd.Flags().GetInt("count")
		feedback, _ := cmd.Flags().GetString("feedback")
		mediaPaths, _ := cmd.Flags().GetString("media")

		if garden == "" || action == "" {
			return fmt.Errorf("--garden and --action are required")
		}

		uploads, err := readMedia(splitFlag(mediaPaths))
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.requireScope(); err != nil {
			return err
		}

		req := map[string]any{
			"garden_address":  garden,
			"action_uid":      action,
			"plant_selection": splitFlag(plants),
			"plant_count":     count,
			"feedback":        feedback,
			"meta":            map[string]string{"source": "cli"},
		}
		if len(uploads) > 0 {
			req["media"] = uploads
		}

		resp, err := client.post(cmd.Context(), "/jobs/work", req)
		if err != nil {
			return err
		}
		var res enqueueView
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		reportEnqueued("work", res)
		return nil
	},
}

func init() {
	workCmd.Flags().String("garden", "", "garden address")
	workCmd.Flags().String("action", "", "action uid")
	workCmd.Flags().String("plants", "", "comma-separated plant selection")
	workCmd.Flags().Int("count", 0, "plant count")
	workCmd.Flags().String("feedback", "", "free-text feedback")
	workCmd.Flags().String("media", "", "comma-separated attachment paths")
}

// --- approve ---

var approveCmd = &cobra.Command{
	Use:   "approve <work-uid>",
	Short: "Queue an approval (or --reject) of submitted work",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		garden, _ := cmd.Flags().GetString("garden")
		action, _ := cmd.Flags().GetString("action")
		gardener, _ := cmd.Flags().GetString("gardener")
		reject, _ := cmd.Flags().GetBool("reject")
		feedback, _ := cmd.Flags().GetString("feedback")

		if garden == "" || action == "" || gardener == "" {
			return fmt.Errorf("--garden, --action and --gardener are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.requireScope(); err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/jobs/approval", map[string]any{
			"work_uid":         args[0],
			"action_uid":       action,
			"garden_address":   garden,
			"gardener_address": gardener,
			"approved":         !reject,
			"feedback":         feedback,
			"meta":             map[string]string{"source": "cli"},
		})
		if err != nil {
			return err
		}
		var res enqueueView
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if reject {
			reportEnqueued("rejection", res)
		} else {
			reportEnqueued("approval", res)
		}
		return nil
	},
}

func init() {
	approveCmd.Flags().String("garden", "", "garden address")
	approveCmd.Flags().String("action", "", "action uid")
	approveCmd.Flags().String("gardener", "", "address of the gardener who submitted the work")
	approveCmd.Flags().Bool("reject", false, "reject instead of approve")
	approveCmd.Flags().String("feedback", "", "reviewer feedback")
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage queued jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		kind, _ := cmd.Flags().GetString("kind")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.requireScope(); err != nil {
			return err
		}

		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		if status != "" {
			q.Set("status", status)
		}
		if kind != "" {
			q.Set("kind", kind)
		}
		resp, err := client.get(cmd.Context(), "/jobs?"+q.Encode())
		if err != nil {
			return err
		}
		var jobs []jobView
		if err := decodeJSON(resp, &jobs); err != nil {
			return err
		}

		if len(jobs) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}
		for _, j := range jobs {
			line := fmt.Sprintf("%s  %-8s  %-12s  %s",
				colorize(colorCyan, shortID(j.ID)),
				j.Kind,
				statusColor(j.Status),
				ago(j.CreatedAt),
			)
			if j.Attempts > 0 {
				line += fmt.Sprintf("  attempts=%d", j.Attempts)
			}
			if j.LastError != "" {
				line += "  " + j.LastError
			}
			fmt.Println(line)
		}
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.requireScope(); err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var job any
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		return printJSON(os.Stdout, job)
	},
}

// jobActionCmd builds the single-id job commands that differ only in route.
func jobActionCmd(use, short, method, suffix, done string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			if err := client.requireScope(); err != nil {
				return err
			}
			path := "/jobs/" + url.PathEscape(args[0]) + suffix
			resp, err := client.do(cmd.Context(), method, path, nil)
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, nil); err != nil {
				return err
			}
			printSuccess("%s %s", done, args[0])
			return nil
		},
	}
}

func init() {
	jobsListCmd.Flags().String("status", "", "comma-separated status filter")
	jobsListCmd.Flags().String("kind", "", "comma-separated kind filter")
	jobsListCmd.Flags().Int("limit", 50, "maximum number of jobs")

	jobsCmd.AddCommand(
		jobsListCmd,
		jobsShowCmd,
		jobActionCmd("retry", "Re-queue a failed or parked job", "POST", "/retry", "Re-queued"),
		jobActionCmd("sync", "Submit one job now, ignoring backoff", "POST", "/sync", "Synced"),
		jobActionCmd("discard", "Remove a job that is not in flight", "DELETE", "", "Discarded"),
	)
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count jobs by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.requireScope(); err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/stats")
		if err != nil {
			return err
		}
		var stats map[string]int
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}
		for _, k := range []string{"pending", "in_flight", "failed", "needs_review", "synced", "discarded", "total"} {
			printStatus(k, "%d", stats[k])
		}
		return nil
	},
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain every queue now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/sync", nil)
		if err != nil {
			return err
		}
		var res syncer.Result
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("synced %d, retrying %d, failed %d, conflicts %d",
			res.Synced, res.Retrying, res.Failed, res.Conflicts)
		return nil
	},
}

func toggleCmd(use, short, path, done string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			resp, err := client.post(cmd.Context(), path, nil)
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, nil); err != nil {
				return err
			}
			printSuccess("%s", done)
			return nil
		},
	}
}

func init() {
	syncCmd.AddCommand(
		toggleCmd("pause", "Pause background and explicit syncing", "/sync/pause", "Sync paused"),
		toggleCmd("resume", "Resume syncing", "/sync/resume", "Sync resumed"),
	)
}

// --- connectivity ---

var connectivityCmd = &cobra.Command{
	Use:       "connectivity <online|offline>",
	Short:     "Override the daemon's view of network connectivity",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"online", "offline"},
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/connectivity", map[string]bool{"online": args[0] == "online"})
		if err != nil {
			return err
		}
		var res map[string]bool
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Network is %s", onlineLabel(res["online"]))
		return nil
	},
}

// --- storage ---

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Show local storage usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/storage")
		if err != nil {
			return err
		}
		var a quota.Analytics
		if err := decodeJSON(resp, &a); err != nil {
			return err
		}
		printStatus("Used", "%s of %s (%.1f%%)", bytesLabel(a.UsedBytes), bytesLabel(a.QuotaBytes), a.UsedPercent)
		printStatus("Available", "%s", bytesLabel(a.AvailableBytes))
		printStatus("Jobs", "%d (%d synced), %s + %s media",
			a.Breakdown.Jobs, a.Breakdown.SyncedJobs, bytesLabel(a.Breakdown.JobBytes), bytesLabel(a.Breakdown.JobMediaBytes))
		printStatus("Drafts", "%d, %s + %s media",
			a.Breakdown.Drafts, bytesLabel(a.Breakdown.DraftBytes), bytesLabel(a.Breakdown.DraftMediaBytes))
		if a.NeedsCleanup {
			printWarning("storage is above the cleanup threshold, run `gardenq storage cleanup`")
		}
		return nil
	},
}

var storageCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Evict old synced jobs, stale failures and orphaned media",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/storage/cleanup", nil)
		if err != nil {
			return err
		}
		var res quota.CleanupResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		total := res.Total()
		printSuccess("Removed %d jobs and %d media files, freed %s", total.Jobs, total.Media, bytesLabel(total.Bytes))
		return nil
	},
}

func init() {
	storageCmd.AddCommand(storageCleanupCmd)
}

// --- drafts ---

var draftsCmd = &cobra.Command{
	Use:   "drafts",
	Short: "Manage work drafts",
}

type draftView struct {
	ID                  string    `json:"id"`
	GardenAddress       *string   `json:"garden_address"`
	ActionUID           *string   `json:"action_uid"`
	FirstIncompleteStep string    `json:"first_incomplete_step"`
	Complete            bool      `json:"complete"`
	MediaCount          int       `json:"media_count"`
	UpdatedAt           time.Time `json:"updated_at"`
}

var draftsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List drafts, most recently edited first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.requireScope(); err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/drafts")
		if err != nil {
			return err
		}
		var drafts []draftView
		if err := decodeJSON(resp, &drafts); err != nil {
			return err
		}
		if len(drafts) == 0 {
			fmt.Println("No drafts found.")
			return nil
		}
		for _, d := range drafts {
			state := colorize(colorGreen, "ready")
			if !d.Complete {
				state = colorize(colorYellow, "needs "+d.FirstIncompleteStep)
			}
			fmt.Printf("%s  %-20s  media=%d  %s\n", colorize(colorCyan, shortID(d.ID)), state, d.MediaCount, ago(d.UpdatedAt))
		}
		return nil
	},
}

var draftsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a draft as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.requireScope(); err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/drafts/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var d any
		if err := decodeJSON(resp, &d); err != nil {
			return err
		}
		return printJSON(os.Stdout, d)
	},
}

var draftsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a draft and its media",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.requireScope(); err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/drafts/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted draft %s", args[0])
		return nil
	},
}

var draftsSubmitCmd = &cobra.Command{
	Use:   "submit <id>",
	Short: "Turn a complete draft into a queued work job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.requireScope(); err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/drafts/"+url.PathEscape(args[0])+"/submit",
			map[string]any{"meta": map[string]string{"source": "cli"}})
		if err != nil {
			return err
		}
		var res enqueueView
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		reportEnqueued("work", res)
		return nil
	},
}

func init() {
	draftsCmd.AddCommand(draftsListCmd, draftsShowCmd, draftsDeleteCmd, draftsSubmitCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
