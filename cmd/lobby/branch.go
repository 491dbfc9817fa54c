package main

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	lobbylinesdk "lobbyline/sdk/go"
)

func branchCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "branch", Short: "Manage branches"}
	cmd.AddCommand(branchListCmd())
	cmd.AddCommand(branchSetCmd())
	cmd.AddCommand(branchShowCmd())
	cmd.AddCommand(branchPromoteCmd())
	return cmd
}

func branchListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List branches",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := apiClient().Branches(cmd.Context())
			if err != nil {
				return err
			}
			return printJSONOrRender(items, func() {
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Max", "Grace (s)", "Avg service (min)", "Paused"})
				for _, b := range items {
					tw.AppendRow(table.Row{b.ID, b.Name, b.MaxOccupancy, b.GracePeriodSeconds, b.AverageServiceMinutes, b.IsPaused})
				}
				tw.Render()
			})
		},
	}
}

func branchSetCmd() *cobra.Command {
	var name string
	var maxOcc, grace, avg int
	var exclude, paused bool
	cmd := &cobra.Command{
		Use:   "set <branch-id>",
		Short: "Create a branch or change its settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var s lobbylinesdk.BranchSettings
			flags := cmd.Flags()
			if flags.Changed("name") {
				s.Name = &name
			}
			if flags.Changed("max-occupancy") {
				s.MaxOccupancy = &maxOcc
			}
			if flags.Changed("grace-seconds") {
				s.GracePeriodSeconds = &grace
			}
			if flags.Changed("avg-service-minutes") {
				s.AverageServiceMinutes = &avg
			}
			if flags.Changed("exclude-in-service") {
				s.ExcludeInServiceFromOccupancy = &exclude
			}
			if flags.Changed("paused") {
				s.Paused = &paused
			}
			b, created, err := apiClient().SaveBranch(cmd.Context(), args[0], s)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(b)
			}
			verb := "updated"
			if created {
				verb = "created"
			}
			fmt.Printf("%s branch %s (max %d, grace %ds, paused %t)\n", verb, b.ID, b.MaxOccupancy, b.GracePeriodSeconds, b.IsPaused)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().IntVar(&maxOcc, "max-occupancy", 0, "people allowed inside at once")
	cmd.Flags().IntVar(&grace, "grace-seconds", 0, "seconds an invited customer has to walk in")
	cmd.Flags().IntVar(&avg, "avg-service-minutes", 0, "average service time, for wait estimates")
	cmd.Flags().BoolVar(&exclude, "exclude-in-service", false, "do not count customers being served toward occupancy")
	cmd.Flags().BoolVar(&paused, "paused", false, "stop accepting new joins")
	return cmd
}

func branchShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <branch-id>",
		Short: "Show occupancy and the ordered queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := apiClient().Snapshot(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrRender(snap, func() {
				fmt.Printf("%s: occupancy %d/%d, waiting %d, invited %d, inside %d, in service %d\n",
					snap.Branch.ID, snap.Occupancy, snap.Branch.MaxOccupancy, snap.Waiting, snap.Eligible, snap.InBuilding, snap.InService)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Ticket", "Status", "Customer", "Est. wait (min)"})
				for _, e := range snap.Queue {
					tw.AppendRow(table.Row{e.Ticket.QueueNumber, e.Ticket.ID, e.Ticket.Status, e.Ticket.CustomerName, e.EstimatedWaitMinutes})
				}
				tw.Render()
			})
		},
	}
}

func branchPromoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "promote <branch-id>",
		Short: "Invite the next waiting customer if a seat is free",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := apiClient().PromoteNext(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if t == nil {
				fmt.Println("nobody promoted")
				return nil
			}
			return printJSONOrRender(t, func() { fmt.Printf("invited %s (#%d)\n", t.ID, t.QueueNumber) })
		},
	}
}
