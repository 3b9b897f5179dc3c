package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"journeyline/internal/audit"
	"journeyline/internal/domain"
	"journeyline/internal/engine"
)

func creatorCmd() *cobra.Command {
	c := &cobra.Command{Use: "creator", Short: "Manage creators"}

	var name, status string
	var followers int64
	var engagement float64
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a creator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cr, err := e.CreateCreator(ctx, engine.CreateCreatorInput{
					Name:           name,
					Status:         status,
					Followers:      followers,
					EngagementRate: engagement,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(cr)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "creator name")
	create.Flags().StringVar(&status, "status", "", "status (active, inactive)")
	create.Flags().Int64Var(&followers, "followers", 0, "follower count")
	create.Flags().Float64Var(&engagement, "engagement-rate", 0, "engagement rate")
	_ = create.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List creators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListCreators(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Name", "Status", "Followers", "Engagement"})
				for _, cr := range items {
					tw.AppendRow(table.Row{cr.ID, cr.Name, cr.Status, cr.Followers, cr.EngagementRate})
				}
				tw.Render()
				return nil
			})
		},
	}
	c.AddCommand(create, list)
	return c
}

func campaignCmd() *cobra.Command {
	c := &cobra.Command{Use: "campaign", Short: "Manage monthly campaigns"}

	var businessID, month, status string
	var capacity int
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a campaign for a business and month",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				camp, err := e.CreateCampaign(ctx, engine.CreateCampaignInput{
					BusinessID:   businessID,
					Month:        month,
					SlotCapacity: capacity,
					Status:       status,
					Actor:        actor(),
				})
				if err != nil {
					return err
				}
				printWarnings(camp.Warnings)
				return printJSONOrTable(camp)
			})
		},
	}
	create.Flags().StringVar(&businessID, "business-id", "", "business id")
	create.Flags().StringVar(&month, "month", "", "campaign month YYYY-MM")
	create.Flags().IntVar(&capacity, "slots", 1, "initial slot capacity")
	create.Flags().StringVar(&status, "status", "", "status (planned, active, completed, canceled)")
	_ = create.MarkFlagRequired("business-id")
	_ = create.MarkFlagRequired("month")

	var filterBusiness string
	list := &cobra.Command{
		Use:   "list",
		Short: "List campaigns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListCampaigns(ctx, filterBusiness)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"Key", "ID", "Status", "Slots"})
				for _, camp := range items {
					tw.AppendRow(table.Row{camp.Key(), camp.ID, camp.Status, camp.SlotCapacity})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&filterBusiness, "business-id", "", "business filter")
	c.AddCommand(create, list)
	return c
}

func rosterCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "roster",
		Short: "Book creators into campaign slots",
		Long:  "Campaigns are addressed by key <business name>-<YYYY-MM>. A creator holds at most one active slot per campaign.",
	}
	r.AddCommand(rosterListCmd())
	r.AddCommand(rosterAddCmd())
	r.AddCommand(rosterReplaceCmd())
	r.AddCommand(rosterRemoveCmd())
	return r
}

func rosterListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list <campaign-key>",
		Short: "Show a campaign roster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.Roster(ctx, args[0], all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				fmt.Printf("%s: %d/%d slots filled (%s)\n", view.Campaign.Key(), view.Active, view.Campaign.SlotCapacity, view.Campaign.Status)
				tw := newTable(table.Row{"Slot", "ID", "Creator", "Role", "Status"})
				for _, a := range view.Slots {
					tw.AppendRow(table.Row{a.SlotNo, a.ID, a.Creator(), a.Role, a.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include removed slots")
	return cmd
}

func rosterAddCmd() *cobra.Command {
	var creatorID, role string
	cmd := &cobra.Command{
		Use:   "add <campaign-key>",
		Short: "Book a creator into a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Add(ctx, engine.AddInput{CampaignKey: args[0], CreatorID: creatorID, Role: role, Actor: actor()})
				if err != nil {
					return err
				}
				printWarnings(res.Warnings)
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&creatorID, "creator-id", "", "creator id")
	cmd.Flags().StringVar(&role, "role", "", "slot role")
	_ = cmd.MarkFlagRequired("creator-id")
	return cmd
}

func rosterReplaceCmd() *cobra.Command {
	var oldID, newID string
	cmd := &cobra.Command{
		Use:   "replace <campaign-key>",
		Short: "Swap the creator in a slot, keeping the slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Replace(ctx, engine.ReplaceInput{CampaignKey: args[0], OldCreatorID: oldID, NewCreatorID: newID, Actor: actor()})
				if err != nil {
					return err
				}
				printWarnings(res.Warnings)
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&oldID, "old", "", "creator id currently booked")
	cmd.Flags().StringVar(&newID, "new", "", "creator id to book instead")
	_ = cmd.MarkFlagRequired("old")
	_ = cmd.MarkFlagRequired("new")
	return cmd
}

func rosterRemoveCmd() *cobra.Command {
	var creatorID, slotID string
	cmd := &cobra.Command{
		Use:   "remove <campaign-key>",
		Short: "Remove a slot and lower capacity by one",
		Long:  "Pick the slot with --creator-id or --slot-id; with neither, the highest empty slot is removed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Remove(ctx, engine.RemoveInput{CampaignKey: args[0], CreatorID: creatorID, SlotID: slotID, Actor: actor()})
				if err != nil {
					return err
				}
				printWarnings(res.Warnings)
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&creatorID, "creator-id", "", "remove this creator's slot")
	cmd.Flags().StringVar(&slotID, "slot-id", "", "remove this slot")
	return cmd
}

func auditCmd() *cobra.Command {
	a := &cobra.Command{Use: "audit", Short: "Read the append-only audit log"}
	var n int
	var entityType, entityID, entityName, field, action, since string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				page, err := e.QueryAudit(ctx, audit.Filter{
					EntityType: domain.EntityType(entityType),
					EntityID:   entityID,
					EntityName: entityName,
					FieldName:  field,
					Action:     action,
					Since:      since,
					Limit:      n,
					Desc:       true,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := newTable(table.Row{"At", "Entity", "Name", "Action", "Field", "Old", "New", "Actor"})
				for _, entry := range page.Items {
					tw.AppendRow(table.Row{entry.CreatedAt, string(entry.EntityType) + ":" + entry.EntityID, entry.EntityName, entry.Action, entry.FieldName, deref(entry.OldValue), deref(entry.NewValue), entry.Actor})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of entries")
	tail.Flags().StringVar(&entityType, "type", "", "entity type filter")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	tail.Flags().StringVar(&entityName, "entity-name", "", "entity name filter")
	tail.Flags().StringVar(&field, "field", "", "field name filter")
	tail.Flags().StringVar(&action, "action", "", "action filter")
	tail.Flags().StringVar(&since, "since", "", "only entries at or after this time")
	a.AddCommand(tail)
	return a
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "api-key", Short: "Manage role-bound API keys"}

	var actorID, role, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := e.CreateAPIKey(ctx, engine.CreateAPIKeyInput{ActorID: actorID, Role: role, Name: name})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "secret": secret})
				}
				fmt.Printf("id:     %s\nactor:  %s\nrole:   %s\nsecret: %s\n", key.ID, key.ActorID, key.Role, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&role, "role", "operator", "role granted to the key")
	create.Flags().StringVar(&name, "name", "", "label")
	_ = create.MarkFlagRequired("actor")

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable(table.Row{"ID", "Actor", "Role", "Name", "Created"})
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.ActorID, key.Role, key.Name, key.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "actor filter")

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeAPIKey(ctx, args[0])
			})
		},
	}
	k.AddCommand(create, list, revoke)
	return k
}
