package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"journeyline/internal/domain"
	"journeyline/internal/engine"
	"journeyline/internal/repo"
)

func businessCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "business",
		Short: "Manage client businesses and their journey stage",
	}
	b.AddCommand(businessCreateCmd())
	b.AddCommand(businessListCmd())
	b.AddCommand(businessGetCmd())
	b.AddCommand(businessAdvanceCmd())
	return b
}

func businessCreateCmd() *cobra.Command {
	var name, stage, priority string
	var value float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a business",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := parseOptionalStage(stage)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.CreateBusiness(ctx, engine.CreateBusinessInput{
					Name:           name,
					Stage:          st,
					Priority:       priority,
					EstimatedValue: value,
					Actor:          actor(),
				})
				if err != nil {
					return err
				}
				printWarnings(b.Warnings)
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "business name")
	cmd.Flags().StringVar(&stage, "stage", "", "initial stage (default Lead)")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low, medium, high)")
	cmd.Flags().Float64Var(&value, "estimated-value", 0, "estimated deal value")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func businessListCmd() *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List businesses",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := parseOptionalStage(stage)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListBusinesses(ctx, st)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Name", "Stage", "Priority", "Stage Entered"})
				for _, b := range items {
					tw.AppendRow(table.Row{b.ID, b.Name, b.Stage, b.Priority, b.StageEnteredAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "stage filter")
	return cmd
}

func businessGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a business",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.GetBusiness(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
}

func businessAdvanceCmd() *cobra.Command {
	var target, expected, month string
	cmd := &cobra.Command{
		Use:   "advance <id>",
		Short: "Move a business to the next stage",
		Long:  "Advancing out of a gated stage requires every blocking checklist task of the month the stage was entered under to be done. The next stage's checklist is seeded afterwards.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := domain.ParseStage(target)
			if err != nil {
				return err
			}
			exp, err := parseOptionalStage(expected)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Advance(ctx, engine.AdvanceInput{
					BusinessID:    args[0],
					TargetStage:   to,
					ExpectedStage: exp,
					CampaignMonth: month,
					Actor:         actor(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s: %s -> %s (%s)\n", res.Business.Name, res.From, res.Business.Stage, res.CampaignMonth)
				printWarnings(res.Warnings)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target stage")
	cmd.Flags().StringVar(&expected, "expected", "", "fail unless the business is currently in this stage")
	cmd.Flags().StringVar(&month, "month", "", "campaign month YYYY-MM for the next stage (defaults to the current stage month)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage stage checklists",
		Long:  "Checklist tasks are keyed by business name, campaign month and stage. Tasks flow open -> in_progress -> done; done tasks may be reopened.",
	}
	task.AddCommand(taskSeedCmd())
	task.AddCommand(taskCanProgressCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskStatusCmd())
	task.AddCommand(taskDeleteCmd())
	return task
}

type tripleFlags struct {
	business string
	month    string
	stage    string
}

func (f *tripleFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.business, "business", "", "business name")
	cmd.Flags().StringVar(&f.month, "month", "", "campaign month YYYY-MM")
	cmd.Flags().StringVar(&f.stage, "stage", "", "journey stage")
}

func taskSeedCmd() *cobra.Command {
	var f tripleFlags
	var businessID, campaignID string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed a stage checklist (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := domain.ParseStage(f.stage)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SeedTasks(ctx, engine.SeedInput{
					BusinessName:  f.business,
					CampaignMonth: f.month,
					Stage:         st,
					BusinessID:    businessID,
					CampaignID:    campaignID,
					Actor:         actor(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("created %d task(s)\n", res.CountCreated)
				printWarnings(res.Warnings)
				return nil
			})
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&businessID, "business-id", "", "link tasks to this business id")
	cmd.Flags().StringVar(&campaignID, "campaign-id", "", "link tasks to this campaign id")
	return cmd
}

func taskCanProgressCmd() *cobra.Command {
	var f tripleFlags
	cmd := &cobra.Command{
		Use:   "can-progress",
		Short: "Report whether blocking tasks still hold a stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := domain.ParseStage(f.stage)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CanProgress(ctx, engine.GateInput{BusinessName: f.business, CampaignMonth: f.month, Stage: st})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("can progress: %t\n", res.CanProgress)
				if len(res.BlockingTasks) > 0 {
					printTasks(res.BlockingTasks)
				}
				return nil
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func taskListCmd() *cobra.Command {
	var f tripleFlags
	var status string
	var blocking, open bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checklist tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := parseOptionalStage(f.stage)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, repo.TaskFilter{
					BusinessName:  f.business,
					CampaignMonth: f.month,
					Stage:         st,
					Status:        status,
					BlockingOnly:  blocking,
					NotDone:       open,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				printTasks(tasks)
				return nil
			})
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().BoolVar(&blocking, "blocking", false, "only tasks that block progression")
	cmd.Flags().BoolVar(&open, "open", false, "only tasks not done")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <open|in_progress|done>",
		Short: "Set a task's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SetTaskStatus(ctx, args[0], args[1], actor())
				if err != nil {
					return err
				}
				printWarnings(res.Warnings)
				return printJSONOrTable(res.Task)
			})
		},
	}
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a checklist task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				warnings, err := e.DeleteTask(ctx, args[0], actor())
				if err != nil {
					return err
				}
				printWarnings(warnings)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"deleted": args[0]})
				}
				fmt.Printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func printTasks(tasks []domain.JourneyTask) {
	tw := newTable(table.Row{"ID", "Business", "Month", "Stage", "Title", "Status", "Blocking", "Due"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.BusinessName, t.CampaignMonth, t.JourneyStage, t.Title, t.Status, t.BlocksProgression, deref(t.DueDate)})
	}
	tw.Render()
}
