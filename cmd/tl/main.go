package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"tallyline/internal/app"
	"tallyline/internal/config"
	"tallyline/internal/db"
	"tallyline/internal/domain"
	"tallyline/internal/engine"
	"tallyline/internal/server"
	"tallyline/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Tallyline CLI",
	Long: `Tallyline runs multi-annotator labeling batches over discussion threads.
How a batch flows:
- Workspace: your .tallyline directory holds the database; tallyline.yml holds the rulebook.
- Discussions: imported threads, each walking the same task pipeline.
- Tasks: per-discussion stages that go locked -> unlocked -> completed -> ready_for_next; rework reopens, flags block.
- Annotations: each annotator submits answers per task form; resubmitting replaces the earlier answer.
- Consensus: majority vote across annotators, or a pod lead's explicit call; saved once per discussion and task.
- Agreement: per-field and overall rates that gate completion and grade annotators.
- Event log: diary of every change, view with 'tl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("TALLYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(discussionCmd())
	rootCmd.AddCommand(annotateCmd())
	rootCmd.AddCommand(overrideCmd())
	rootCmd.AddCommand(consensusCmd())
	rootCmd.AddCommand(agreementCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(unlockCmd())
	rootCmd.AddCommand(flagCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var batchID, repository string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		Long:  "Creates .tallyline, writes a starter tallyline.yml if none exists, applies migrations and grants the admin role to the current actor.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if batchID == "" {
				return fmt.Errorf("--batch required")
			}
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				content := config.GenerateDefault(batchID)
				if repository != "" {
					content = strings.Replace(content, "repository: \"\"", fmt.Sprintf("repository: %q", repository), 1)
				}
				if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", cfgPath)
			} else {
				fmt.Println("config exists, keeping", cfgPath)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor := viper.GetString("actor-id")
				if err := a.Engine.SeedAdmin(ctx, actor); err != nil {
					return err
				}
				fmt.Printf("workspace ready; %s has the admin role\n", actor)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&batchID, "batch", "", "batch identifier")
	cmd.Flags().StringVar(&repository, "repository", "", "default source repository")
	_ = cmd.MarkFlagRequired("batch")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook (tallyline.yml): batch identity, task forms with their fields, workflow thresholds, RBAC roles and webhooks.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var batchID string
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter tallyline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if batchID == "" {
				return fmt.Errorf("--batch required")
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !overwrite {
				return fmt.Errorf("%s exists; pass --overwrite to replace it", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(batchID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&batchID, "batch", "", "batch identifier")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing config")
	_ = cmd.MarkFlagRequired("batch")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return printJSONOrTable(a.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate tallyline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show batch status",
		Long:  "See the scoreboard for the batch: discussion count and how many tasks sit in each status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				total, err := a.Engine.Store.CountDiscussions(ctx)
				if err != nil {
					return err
				}
				counts, err := a.Engine.Store.CountTaskStatuses(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"batch_id":    a.Config.Batch.ID,
						"repository":  a.Config.Batch.Repository,
						"discussions": total,
						"task_counts": counts,
					})
				}
				fmt.Printf("Batch: %s", a.Config.Batch.ID)
				if a.Config.Batch.Repository != "" {
					fmt.Printf(" (%s)", a.Config.Batch.Repository)
				}
				fmt.Println()
				fmt.Printf("Discussions: %d\n", total)
				fmt.Println("Tasks:")
				for _, c := range counts {
					fmt.Printf("  task %d %s: %d\n", c.TaskID, c.Status, c.Count)
				}
				return nil
			})
		},
	}
	return cmd
}

func discussionCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "discussion",
		Short: "Manage discussions",
		Long:  "Discussions are the imported threads being labeled. Each one carries the full task pipeline with the first task unlocked.",
	}
	d.AddCommand(discussionImportCmd())
	d.AddCommand(discussionListCmd())
	d.AddCommand(discussionShowCmd())
	d.AddCommand(discussionDeleteCmd())
	return d
}

func discussionImportCmd() *cobra.Command {
	var file, id, repository, title, url string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import discussions",
		Long:  "Imports one discussion from flags or many from a JSON file ([{\"id\":..., \"title\":...}, ...]). Bad items are reported and skipped.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var items []engine.DiscussionImport
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &items); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
			} else {
				if id == "" {
					return fmt.Errorf("--id or --file required")
				}
				items = []engine.DiscussionImport{{ID: id, Repository: repository, Title: title, URL: url}}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				summary, err := a.Engine.ImportDiscussions(ctx, items, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printBulkSummary(summary)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON file with an array of discussions")
	cmd.Flags().StringVar(&id, "id", "", "discussion id")
	cmd.Flags().StringVar(&repository, "repository", "", "source repository")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&url, "url", "", "source URL")
	return cmd
}

func discussionListCmd() *cobra.Command {
	var f store.DiscussionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List discussions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListDiscussions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Repository", "Title", "Created"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.Repository, d.Title, d.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Repository, "repository", "", "repository filter")
	cmd.Flags().IntVar(&f.TaskID, "task", 0, "task id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "task status filter (with --task)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func discussionShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a discussion and its task states",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, tasks, err := a.Engine.GetDiscussion(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"discussion": d, "tasks": tasks})
				}
				fmt.Printf("%s  %s\n", d.ID, d.Title)
				if d.URL != "" {
					fmt.Println(d.URL)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Status", "Annotators", "Required", "Flags"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.TaskID, t.Status, t.AnnotatorCount, t.RequiredCount, t.ActiveFlags})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "discussion id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func discussionDeleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a discussion and everything attached to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteDiscussion(ctx, id, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("deleted", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "discussion id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func annotateCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "annotate",
		Short: "Submit and inspect annotations",
		Long:  "Annotations are one annotator's answers for one task of one discussion, validated against the task form before anything is stored.",
	}
	a.AddCommand(annotateSubmitCmd())
	a.AddCommand(annotateShowCmd())
	a.AddCommand(annotateListCmd())
	return a
}

func annotateSubmitCmd() *cobra.Command {
	var discussion, user, dataJSON, dataFile string
	var task int
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an annotation",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readDataArg(dataJSON, dataFile)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor := viper.GetString("actor-id")
				if user == "" {
					user = actor
				}
				ann, err := a.Engine.SubmitAnnotation(ctx, engine.SubmitOptions{
					DiscussionID: discussion,
					TaskID:       task,
					UserID:       user,
					Data:         data,
					ActorID:      actor,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ann)
			})
		},
	}
	cmd.Flags().StringVar(&discussion, "discussion", "", "discussion id")
	cmd.Flags().IntVar(&task, "task", 0, "task id")
	cmd.Flags().StringVar(&user, "user", "", "annotator id (defaults to actor)")
	cmd.Flags().StringVar(&dataJSON, "data-json", "", "annotation payload JSON")
	cmd.Flags().StringVar(&dataFile, "data-file", "", "annotation payload file")
	_ = cmd.MarkFlagRequired("discussion")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func annotateShowCmd() *cobra.Command {
	var discussion, user string
	var task int
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show one annotator's submission",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor := viper.GetString("actor-id")
				if user == "" {
					user = actor
				}
				ann, err := a.Engine.GetUserAnnotation(ctx, discussion, user, task, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(ann)
			})
		},
	}
	cmd.Flags().StringVar(&discussion, "discussion", "", "discussion id")
	cmd.Flags().IntVar(&task, "task", 0, "task id")
	cmd.Flags().StringVar(&user, "user", "", "annotator id (defaults to actor)")
	_ = cmd.MarkFlagRequired("discussion")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func annotateListCmd() *cobra.Command {
	var discussion string
	var task int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List submissions for a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.AnnotationsForTask(ctx, discussion, task, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"User", "Submitted", "Overridden"})
				for _, ann := range items {
					overridden := ""
					if ann.OverriddenBy != nil {
						overridden = *ann.OverriddenBy
					}
					tw.AppendRow(table.Row{ann.UserID, ann.SubmittedAt, overridden})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&discussion, "discussion", "", "discussion id")
	cmd.Flags().IntVar(&task, "task", 0, "task id")
	_ = cmd.MarkFlagRequired("discussion")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func overrideCmd() *cobra.Command {
	var discussion, user, dataJSON, dataFile string
	var task int
	cmd := &cobra.Command{
		Use:   "override",
		Short: "Override an annotator's submission",
		Long:  "Replaces a stored annotation on pod-lead authority. The row keeps its author; who overrode it and when is recorded.",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readDataArg(dataJSON, dataFile)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ann, err := a.Engine.OverrideAnnotation(ctx, engine.OverrideOptions{
					DiscussionID: discussion,
					TaskID:       task,
					UserID:       user,
					Data:         data,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ann)
			})
		},
	}
	cmd.Flags().StringVar(&discussion, "discussion", "", "discussion id")
	cmd.Flags().IntVar(&task, "task", 0, "task id")
	cmd.Flags().StringVar(&user, "user", "", "annotator whose submission to replace")
	cmd.Flags().StringVar(&dataJSON, "data-json", "", "replacement payload JSON")
	cmd.Flags().StringVar(&dataFile, "data-file", "", "replacement payload file")
	_ = cmd.MarkFlagRequired("discussion")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func consensusCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "consensus",
		Short: "Propose and save consensus",
		Long:  "Consensus is the one answer per discussion and task: a majority vote over submissions, or the pod lead's explicit payload.",
	}
	c.AddCommand(consensusProposeCmd())
	c.AddCommand(consensusSaveCmd())
	c.AddCommand(consensusShowCmd())
	c.AddCommand(consensusAutoCmd())
	return c
}

func consensusProposeCmd() *cobra.Command {
	var discussion string
	var task int
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Compute a consensus proposal without saving",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.ProposeConsensus(ctx, discussion, task, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&discussion, "discussion", "", "discussion id")
	cmd.Flags().IntVar(&task, "task", 0, "task id")
	_ = cmd.MarkFlagRequired("discussion")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func consensusSaveCmd() *cobra.Command {
	var discussion, dataJSON, dataFile, comment string
	var task, stars int
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save consensus",
		Long:  "Without --data-json/--data-file the consensus is aggregated from submissions; with a payload the pod lead's answer is stored verbatim and marked overridden.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var data map[string]any
			if dataJSON != "" || dataFile != "" {
				parsed, err := readDataArg(dataJSON, dataFile)
				if err != nil {
					return err
				}
				data = parsed
			}
			var starsPtr *int
			if cmd.Flags().Changed("stars") {
				starsPtr = &stars
			}
			var commentPtr *string
			if cmd.Flags().Changed("comment") {
				commentPtr = &comment
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Engine.SaveConsensus(ctx, engine.ConsensusOptions{
					DiscussionID: discussion,
					TaskID:       task,
					Data:         data,
					Stars:        starsPtr,
					Comment:      commentPtr,
					Force:        viper.GetBool("force"),
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&discussion, "discussion", "", "discussion id")
	cmd.Flags().IntVar(&task, "task", 0, "task id")
	cmd.Flags().StringVar(&dataJSON, "data-json", "", "explicit consensus payload JSON")
	cmd.Flags().StringVar(&dataFile, "data-file", "", "explicit consensus payload file")
	cmd.Flags().IntVar(&stars, "stars", 0, "quality stars 1-5")
	cmd.Flags().StringVar(&comment, "comment", "", "reviewer comment")
	_ = cmd.MarkFlagRequired("discussion")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func consensusShowCmd() *cobra.Command {
	var discussion string
	var task int
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show stored consensus",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Engine.GetConsensus(ctx, discussion, task, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&discussion, "discussion", "", "discussion id")
	cmd.Flags().IntVar(&task, "task", 0, "task id")
	_ = cmd.MarkFlagRequired("discussion")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func consensusAutoCmd() *cobra.Command {
	var task int
	var threshold float64
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "auto",
		Short: "Create consensus for every eligible pair",
		Long:  "Sweeps pairs that are accepting work: creates consensus where annotator count and agreement pass the gates, routes fully-annotated but disagreeing pairs to rework, skips the rest, and reports each outcome.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				summary, err := a.Engine.AutoCreateConsensus(ctx, engine.AutoConsensusOptions{
					TaskID:    task,
					Threshold: threshold,
					DryRun:    dryRun,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printBulkSummary(summary)
			})
		},
	}
	cmd.Flags().IntVar(&task, "task", 0, "restrict to one task id")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "agreement threshold (defaults to config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "evaluate without saving")
	return cmd
}

func agreementCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "agreement",
		Short: "Agreement reports",
		Long:  "Agreement measures how often annotators land on the winning answer, per field and overall, and grades annotators across the batch.",
	}
	a.AddCommand(agreementShowCmd())
	a.AddCommand(agreementAnnotatorsCmd())
	return a
}

func agreementShowCmd() *cobra.Command {
	var discussion string
	var task int
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Agreement report for one pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Engine.AgreementReport(ctx, discussion, task, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("%s task %d: %.1f%% (%s), %d annotators, %d overridden\n",
					report.DiscussionID, report.TaskID, report.Overall, report.Band, report.Annotators, report.Overridden)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Field", "Agreement"})
				for field, rate := range report.PerField {
					tw.AppendRow(table.Row{field, fmt.Sprintf("%.1f%%", rate)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&discussion, "discussion", "", "discussion id")
	cmd.Flags().IntVar(&task, "task", 0, "task id")
	_ = cmd.MarkFlagRequired("discussion")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func agreementAnnotatorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "annotators",
		Short: "Per-annotator quality report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stats, err := a.Engine.AnnotatorReport(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"User", "Annotations", "Overridden", "Avg Rate", "Band"})
				for _, s := range stats {
					tw.AppendRow(table.Row{s.UserID, s.Annotations, s.Overridden, fmt.Sprintf("%.1f%%", s.AvgRate), s.Band})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "task",
		Short: "Task workflow",
		Long:  "Tasks move locked -> unlocked -> completed -> ready_for_next; rework reopens a completed task and blocked pauses a flagged one.",
	}
	t.AddCommand(taskStatusCmd())
	t.AddCommand(taskBulkStatusCmd())
	return t
}

func taskStatusCmd() *cobra.Command {
	var discussion, status string
	var task int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Set a task status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status == "" {
				return fmt.Errorf("--status required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				state, err := a.Engine.SetTaskStatus(ctx, engine.StatusOptions{
					DiscussionID: discussion,
					TaskID:       task,
					Status:       domain.TaskStatus(status),
					Force:        viper.GetBool("force"),
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(state)
			})
		},
	}
	cmd.Flags().StringVar(&discussion, "discussion", "", "discussion id")
	cmd.Flags().IntVar(&task, "task", 0, "task id")
	cmd.Flags().StringVar(&status, "status", "", "target status")
	_ = cmd.MarkFlagRequired("discussion")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func taskBulkStatusCmd() *cobra.Command {
	var ids []string
	var status string
	var task int
	cmd := &cobra.Command{
		Use:   "bulk-status",
		Short: "Set one status across discussions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(ids) == 0 {
				return fmt.Errorf("--discussion required (repeatable)")
			}
			if status == "" {
				return fmt.Errorf("--status required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				summary, err := a.Engine.BulkSetTaskStatus(ctx, engine.BulkStatusOptions{
					DiscussionIDs: ids,
					TaskID:        task,
					Status:        domain.TaskStatus(status),
					Force:         viper.GetBool("force"),
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printBulkSummary(summary)
			})
		},
	}
	cmd.Flags().StringArrayVar(&ids, "discussion", []string{}, "discussion id (repeatable)")
	cmd.Flags().IntVar(&task, "task", 0, "task id")
	cmd.Flags().StringVar(&status, "status", "", "target status")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func unlockCmd() *cobra.Command {
	u := &cobra.Command{
		Use:   "unlock",
		Short: "Pipeline advancement",
	}
	u.AddCommand(unlockCandidatesCmd())
	u.AddCommand(unlockNextCmd())
	return u
}

func unlockCandidatesCmd() *cobra.Command {
	var task int
	cmd := &cobra.Command{
		Use:   "candidates",
		Short: "Pairs ready for consensus or unlock",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cands, err := a.Engine.EvaluateUnlockCandidates(ctx, task, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cands)
				}
				fmt.Println("Ready for consensus:")
				printCandidates(cands.ReadyForConsensus)
				fmt.Println("Ready for unlock:")
				printCandidates(cands.ReadyForUnlock)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&task, "task", 0, "restrict to one task id")
	return cmd
}

func unlockNextCmd() *cobra.Command {
	var discussion string
	var task int
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Finish a completed task and unlock its successor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				state, err := a.Engine.UnlockNext(ctx, discussion, task, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(state)
			})
		},
	}
	cmd.Flags().StringVar(&discussion, "discussion", "", "discussion id")
	cmd.Flags().IntVar(&task, "task", 0, "task id")
	_ = cmd.MarkFlagRequired("discussion")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func flagCmd() *cobra.Command {
	f := &cobra.Command{
		Use:   "flag",
		Short: "Flag problem tasks",
		Long:  "A flag blocks its task until resolved; resolving the last flag restores the status the task held before blocking.",
	}
	f.AddCommand(flagAddCmd())
	f.AddCommand(flagResolveCmd())
	f.AddCommand(flagListCmd())
	return f
}

func flagAddCmd() *cobra.Command {
	var discussion, reason string
	var task int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Flag a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				flag, err := a.Engine.FlagTask(ctx, engine.FlagOptions{
					DiscussionID: discussion,
					TaskID:       task,
					Reason:       reason,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(flag)
			})
		},
	}
	cmd.Flags().StringVar(&discussion, "discussion", "", "discussion id")
	cmd.Flags().IntVar(&task, "task", 0, "task id")
	cmd.Flags().StringVar(&reason, "reason", "", "why the task is blocked")
	_ = cmd.MarkFlagRequired("discussion")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func flagResolveCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a flag",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				flag, err := a.Engine.ResolveFlag(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(flag)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "flag id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func flagListCmd() *cobra.Command {
	var f store.FlagFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListFlags(ctx, f, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Discussion", "Task", "Status", "Reason", "By"})
				for _, fl := range items {
					tw.AppendRow(table.Row{fl.ID, fl.DiscussionID, fl.TaskID, fl.Status, fl.Reason, fl.FlaggedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.DiscussionID, "discussion", "", "discussion filter")
	cmd.Flags().IntVar(&f.TaskID, "task", 0, "task filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (active, resolved)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: imports, submissions, consensus saves, status changes, flags and grants.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var discussion string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.ListEvents(ctx, discussion, n, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Discussion", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.DiscussionID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&discussion, "discussion", "", "discussion filter")
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "RBAC management",
	}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	cmd.AddCommand(rbacActorsCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor := viper.GetString("actor-id")
				roles, perms, err := a.Engine.WhoAmI(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"actor_id":    actor,
					"roles":       roles,
					"permissions": perms,
				})
			})
		},
	}
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.GrantRole(ctx, target, role, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.RevokeRole(ctx, target, role, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacActorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actors",
		Short: "List actors and their roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListActors(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Actor", "Roles", "Created"})
				for _, actor := range items {
					tw.AppendRow(table.Row{actor.ID, strings.Join(actor.Roles, ","), actor.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "API key management",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var target, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		Long:  "Prints the key once; only its hash is stored.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				return fmt.Errorf("--actor required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, plaintext, err := a.Engine.CreateAPIKey(ctx, target, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plaintext})
				}
				fmt.Printf("id: %s\nactor: %s\nkey: %s\n", key.ID, key.ActorID, plaintext)
				fmt.Println("store this key now; it cannot be shown again")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor the key authenticates")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListAPIKeys(ctx, target, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteAPIKey(ctx, id, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("deleted", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "key id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	var sweep time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(app.Options{
				Workspace: viper.GetString("workspace"),
				LogLevel:  viper.GetString("log-level"),
			})
			if err != nil {
				return err
			}
			defer a.Close()
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("TALLYLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowActorHeader,
				Logger:                 a.Log,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("TALLYLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(cmd.Context(), a.Engine)
			if sweep > 0 {
				go runAutoConsensusSweep(cmd.Context(), a.Engine, sweep, viper.GetString("actor-id"))
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Tallyline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept unauthenticated X-Actor-Id (dev only)")
	cmd.Flags().DurationVar(&sweep, "auto-consensus", 0, "auto-consensus sweep interval (0 disables)")
	return cmd
}

func runAutoConsensusSweep(ctx context.Context, e engine.Engine, interval time.Duration, actorID string) {
	log := e.Log.Named("sweep")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		summary, err := e.AutoCreateConsensus(ctx, engine.AutoConsensusOptions{ActorID: actorID})
		if err != nil {
			log.Warn("auto-consensus sweep failed", zap.Error(err))
			continue
		}
		if summary.Successful > 0 {
			log.Info("auto-consensus sweep", zap.Int("successful", summary.Successful), zap.Int("skipped", summary.Skipped), zap.Int("failed", summary.Failed))
		}
	}
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(app.Options{
		Workspace: viper.GetString("workspace"),
		LogLevel:  viper.GetString("log-level"),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printBulkSummary(summary domain.BulkSummary) error {
	if viper.GetBool("json") {
		return printJSON(summary)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Discussion", "Task", "Outcome", "Reason"})
	for _, item := range summary.Items {
		tw.AppendRow(table.Row{item.DiscussionID, item.TaskID, item.Outcome, item.Reason})
	}
	tw.Render()
	fmt.Printf("successful: %d  skipped: %d  failed: %d\n", summary.Successful, summary.Skipped, summary.Failed)
	return nil
}

func printCandidates(items []domain.Candidate) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Discussion", "Task", "Annotators", "Required", "Agreement"})
	for _, c := range items {
		agreement := ""
		if c.Agreement != nil {
			agreement = fmt.Sprintf("%.1f%%", *c.Agreement)
		}
		tw.AppendRow(table.Row{c.DiscussionID, c.TaskID, c.AnnotatorCount, c.RequiredCount, agreement})
	}
	tw.Render()
}

func readDataArg(dataJSON, dataFile string) (map[string]any, error) {
	var raw []byte
	switch {
	case dataJSON != "" && dataFile != "":
		return nil, fmt.Errorf("use --data-json or --data-file, not both")
	case dataJSON != "":
		raw = []byte(dataJSON)
	case dataFile != "":
		b, err := os.ReadFile(dataFile)
		if err != nil {
			return nil, err
		}
		raw = b
	default:
		return nil, fmt.Errorf("--data-json or --data-file required")
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("invalid data payload: %w", err)
	}
	return data, nil
}
