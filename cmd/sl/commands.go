package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/app"
	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/repo"
)

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", what, s)
	}
	return id, nil
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage users"}
	usr.AddCommand(&cobra.Command{
		Use:   "register <email>",
		Short: "Register a user (idempotent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				u, err := ws.Engine.EnsureUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(u)
			})
		},
	})
	return usr
}

func campaignCmd() *cobra.Command {
	cmp := &cobra.Command{Use: "campaign", Short: "Manage campaigns"}
	cmp.AddCommand(campaignImportCmd())
	cmp.AddCommand(campaignListCmd())
	cmp.AddCommand(campaignJoinCmd())
	cmp.AddCommand(campaignRanksCmd())
	cmp.AddCommand(campaignStagesCmd())
	return cmp
}

func campaignImportCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import <blueprint.yml>",
		Short: "Create a campaign from a YAML blueprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bp, err := config.BlueprintFromFile(args[0])
			if err != nil {
				return err
			}
			if dryRun {
				if err := bp.Validate(); err != nil {
					return err
				}
				fmt.Println("blueprint is valid")
				return nil
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, userID int64) error {
				res, err := e.ImportBlueprint(ctx, bp, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("campaign %d %q imported\n", res.Campaign.ID, res.Campaign.Name)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "ID"})
				for name, id := range res.Stages {
					tw.AppendRow(table.Row{name, id})
				}
				tw.SortBy([]table.SortBy{{Name: "ID", Mode: table.AscNumeric}})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate without importing")
	return cmd
}

func campaignListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List campaigns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.Repo.ListCampaigns(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Description", "Created"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Name, c.Description, c.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func campaignJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <campaign-id>",
		Short: "Join a campaign and receive its default ranks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			campaignID, err := parseID(args[0], "campaign")
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, userID int64) error {
				recs, err := e.JoinCampaign(ctx, userID, campaignID)
				if err != nil {
					return err
				}
				return printRanks(recs)
			})
		},
	}
}

func campaignRanksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ranks <campaign-id>",
		Short: "Ranks held by the acting user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			campaignID, err := parseID(args[0], "campaign")
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, userID int64) error {
				recs, err := e.UserRanks(ctx, userID, campaignID)
				if err != nil {
					return err
				}
				return printRanks(recs)
			})
		},
	}
}

func campaignStagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stages <campaign-id>",
		Short: "Stages where new cases can be opened",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			campaignID, err := parseID(args[0], "campaign")
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.Repo.ListCreatableStages(ctx, campaignID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Chain", "Name", "Description"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.ChainID, s.Name, s.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func printRanks(recs []domain.RankRecord) error {
	if viper.GetBool("json") {
		return printJSON(recs)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Rank", "Name", "Granted"})
	for _, r := range recs {
		tw.AppendRow(table.Row{r.RankID, r.RankName, r.CreatedAt})
	}
	tw.Render()
	return nil
}

func taskCmd() *cobra.Command {
	tsk := &cobra.Command{
		Use:   "task",
		Short: "Work on tasks",
		Long:  "Tasks are the forms a case fills on its way through a chain. Completing one runs the traversal to the next stages.",
	}
	tsk.AddCommand(taskCreateCmd())
	tsk.AddCommand(taskShowCmd())
	tsk.AddCommand(taskListCmd())
	tsk.AddCommand(taskSelectableCmd())
	tsk.AddCommand(taskEditCmd())
	tsk.AddCommand(taskCompleteCmd())
	tsk.AddCommand(taskActionCmd("force-complete", "Complete without traversal", engine.Engine.ForceComplete))
	tsk.AddCommand(taskActionCmd("assign", "Pick up an unassigned task", engine.Engine.RequestAssignment))
	tsk.AddCommand(taskActionCmd("release", "Give a task back", engine.Engine.ReleaseAssignment))
	tsk.AddCommand(taskActionCmd("uncomplete", "Reopen a completed integrator task", engine.Engine.Uncomplete))
	tsk.AddCommand(taskActionCmd("previous", "Reopen the previous task of the case", engine.Engine.OpenPrevious))
	tsk.AddCommand(taskActionCmd("webhook", "Call the stage webhook and store its reply", engine.Engine.TriggerWebhook))
	return tsk
}

func taskCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <stage-id>",
		Short: "Open a case at a creatable stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stageID, err := parseID(args[0], "stage")
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, userID int64) error {
				t, err := e.CreateInitialTask(ctx, userID, stageID)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with its responses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseID(args[0], "task")
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				t, err := ws.Engine.GetTask(ctx, taskID)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func taskListCmd() *cobra.Command {
	var campaignID, stageID int64
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Tasks assigned to the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.TaskFilters{CampaignID: campaignID, StageID: stageID, Limit: limit}
			switch status {
			case "":
			case "open":
				f.Complete = new(bool)
			case "complete":
				done := true
				f.Complete = &done
			default:
				return fmt.Errorf("--status must be open or complete")
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, userID int64) error {
				items, err := e.ListUserTasks(ctx, userID, f)
				if err != nil {
					return err
				}
				return printTasks(items)
			})
		},
	}
	cmd.Flags().Int64Var(&campaignID, "campaign", 0, "campaign id")
	cmd.Flags().Int64Var(&stageID, "stage", 0, "stage id")
	cmd.Flags().StringVar(&status, "status", "", "open or complete")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func taskSelectableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "selectable <campaign-id>",
		Short: "Open unassigned tasks the acting user may pick up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			campaignID, err := parseID(args[0], "campaign")
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, userID int64) error {
				items, err := e.ListSelectableTasks(ctx, userID, campaignID)
				if err != nil {
					return err
				}
				return printTasks(items)
			})
		},
	}
}

func taskEditCmd() *cobra.Command {
	var raw, file string
	cmd := &cobra.Command{
		Use:   "edit <task-id>",
		Short: "Replace the responses of an open task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseID(args[0], "task")
			if err != nil {
				return err
			}
			responses, err := parseResponses(raw, file)
			if err != nil {
				return err
			}
			if responses == nil {
				return fmt.Errorf("--responses or --responses-file required")
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, userID int64) error {
				t, err := e.EditResponses(ctx, userID, taskID, responses)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&raw, "responses", "", "responses as a JSON object")
	cmd.Flags().StringVar(&file, "responses-file", "", "file holding the responses JSON")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var raw, file string
	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Submit a task and run traversal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseID(args[0], "task")
			if err != nil {
				return err
			}
			responses, err := parseResponses(raw, file)
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, userID int64) error {
				res, err := e.Complete(ctx, engine.CompleteOptions{TaskID: taskID, UserID: userID, Responses: responses})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("task %d completed\n", res.Task.ID)
				if res.NextTaskID != nil {
					fmt.Printf("next task: %d\n", *res.NextTaskID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&raw, "responses", "", "responses as a JSON object (default: stored responses)")
	cmd.Flags().StringVar(&file, "responses-file", "", "file holding the responses JSON")
	return cmd
}

func taskActionCmd(use, short string, run func(engine.Engine, context.Context, int64, int64) (domain.Task, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseID(args[0], "task")
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, userID int64) error {
				t, err := run(e, ctx, userID, taskID)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
}

func schemaCmd() *cobra.Command {
	var raw string
	cmd := &cobra.Command{
		Use:   "schema <stage-id>",
		Short: "Effective form schema of a stage for partial responses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stageID, err := parseID(args[0], "stage")
			if err != nil {
				return err
			}
			responses, err := parseResponses(raw, "")
			if err != nil {
				return err
			}
			if responses == nil {
				responses = domain.Responses{}
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				schema, err := ws.Engine.LoadSchema(ctx, stageID, responses)
				if err != nil {
					return err
				}
				return printJSON(schema)
			})
		},
	}
	cmd.Flags().StringVar(&raw, "responses", "", "responses filled so far, as JSON")
	return cmd
}

func notificationCmd() *cobra.Command {
	n := &cobra.Command{Use: "notification", Short: "Read and send notifications"}
	n.AddCommand(notificationListCmd())
	n.AddCommand(notificationSendCmd())
	n.AddCommand(notificationReadCmd())
	return n
}

func notificationListCmd() *cobra.Command {
	var unread bool
	cmd := &cobra.Command{
		Use:   "list <campaign-id>",
		Short: "Notifications addressed to the acting user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			campaignID, err := parseID(args[0], "campaign")
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, userID int64) error {
				items, err := e.ListNotifications(ctx, userID, campaignID, unread)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Text", "Read", "Created"})
				for _, it := range items {
					read := "-"
					if it.ReadAt != nil {
						read = *it.ReadAt
					}
					tw.AppendRow(table.Row{it.ID, it.Title, it.Text, read, it.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unread, "unread", false, "only unread notifications")
	return cmd
}

func notificationSendCmd() *cobra.Command {
	var title, text string
	var toUser, toRank int64
	cmd := &cobra.Command{
		Use:   "send <campaign-id>",
		Short: "Send a notification to a user or to every holder of a rank",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			campaignID, err := parseID(args[0], "campaign")
			if err != nil {
				return err
			}
			opts := engine.SendNotificationOptions{CampaignID: campaignID, Title: title, Text: text}
			if cmd.Flags().Changed("to-user") {
				opts.TargetUserID = &toUser
			}
			if cmd.Flags().Changed("to-rank") {
				opts.TargetRankID = &toRank
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, userID int64) error {
				n, err := e.SendNotification(ctx, userID, opts)
				if err != nil {
					return err
				}
				return printJSON(n)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "notification title")
	cmd.Flags().StringVar(&text, "text", "", "notification body")
	cmd.Flags().Int64Var(&toUser, "to-user", 0, "target user id")
	cmd.Flags().Int64Var(&toRank, "to-rank", 0, "target rank id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func notificationReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <notification-id>",
		Short: "Mark a notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "notification")
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, userID int64) error {
				return e.MarkNotificationRead(ctx, userID, id)
			})
		},
	}
}

func errorsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Durable error records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.ListErrors(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Message", "Created"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Responses["kind"], t.Responses["message"], t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of records")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything that happened: imports, task changes, rank grants, notifications and more.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Limit = n
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, fmt.Sprintf("%s:%d", ev.EntityKind, ev.EntityID), ev.ActorID, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&f.CampaignID, "campaign", 0, "campaign id")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().Int64Var(&f.EntityID, "entity-id", 0, "entity id")
	return cmd
}
