package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"lobbyline/internal/domain"
	lobbylinesdk "lobbyline/sdk/go"
)

func ticketCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ticket",
		Short: "Work with tickets",
		Long:  "Tickets move REMOTE_WAITING -> ELIGIBLE_FOR_ENTRY -> IN_BUILDING -> IN_SERVICE -> SERVED/COMPLETED; REMOVED is the exit.",
	}
	cmd.AddCommand(ticketJoinCmd())
	cmd.AddCommand(ticketListCmd())
	cmd.AddCommand(ticketShowCmd())
	cmd.AddCommand(ticketMoveCmd())
	cmd.AddCommand(ticketConfirmCmd())
	cmd.AddCommand(ticketNoShowCmd())
	cmd.AddCommand(ticketRateCmd())
	cmd.AddCommand(ticketHistoryCmd())
	return cmd
}

func ticketJoinCmd() *cobra.Command {
	var name, phone, category string
	cmd := &cobra.Command{
		Use:   "join <branch-id>",
		Short: "Join a branch's queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := apiClient().Join(cmd.Context(), args[0], name, phone, category)
			if err != nil {
				return err
			}
			return printTicket(t)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "customer name")
	cmd.Flags().StringVar(&phone, "phone", "", "customer phone")
	cmd.Flags().StringVar(&category, "category", "", "service category")
	return cmd
}

func ticketListCmd() *cobra.Command {
	var status string
	var all bool
	cmd := &cobra.Command{
		Use:   "list <branch-id>",
		Short: "List tickets in queue order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := apiClient().Tickets(cmd.Context(), args[0], status, all)
			if err != nil {
				return err
			}
			return printJSONOrRender(items, func() {
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "ID", "Status", "Customer", "Counter", "Joined"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.QueueNumber, t.ID, t.Status, t.CustomerName, t.Counter, t.JoinedAt.Local().Format(time.Kitchen)})
				}
				tw.Render()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().BoolVar(&all, "all", false, "include served and removed tickets")
	return cmd
}

func ticketShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <ticket-id>",
		Short: "Show a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := apiClient().Ticket(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printTicket(t)
		},
	}
}

func ticketMoveCmd() *cobra.Command {
	var reason, counter string
	cmd := &cobra.Command{
		Use:   "move <ticket-id> <status>",
		Short: "Request a status change as the token's role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := domain.ParseStatus(args[1])
			if err != nil {
				return err
			}
			t, err := apiClient().Transition(cmd.Context(), args[0], string(status), reason, counter)
			if err != nil {
				return err
			}
			return printTicket(t)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the history")
	cmd.Flags().StringVar(&counter, "counter", "", "counter assignment, required for IN_SERVICE")
	return cmd
}

func ticketConfirmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <ticket-id>",
		Short: "Confirm the customer walked in (customer role)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := apiClient().Confirm(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printTicket(t)
		},
	}
}

func ticketNoShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "no-show <ticket-id>",
		Short: "Flag a customer who did not turn up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := apiClient().NoShow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printTicket(t)
		},
	}
}

func ticketRateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rate <ticket-id> <1-5>",
		Short: "Rate a served ticket",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rating, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("rating must be a number: %w", err)
			}
			t, err := apiClient().Rate(cmd.Context(), args[0], rating)
			if err != nil {
				return err
			}
			return printTicket(t)
		},
	}
}

func ticketHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <ticket-id>",
		Short: "Show a ticket's status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := apiClient().History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrRender(items, func() {
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"At", "From", "To", "By", "Reason"})
				for _, h := range items {
					tw.AppendRow(table.Row{h.At.Local().Format(time.DateTime), h.From, h.To, h.TriggeredBy, h.Reason})
				}
				tw.Render()
			})
		},
	}
}

func printTicket(t lobbylinesdk.Ticket) error {
	return printJSONOrRender(t, func() {
		fmt.Printf("%s  #%d  %s  branch=%s", t.ID, t.QueueNumber, t.Status, t.BranchID)
		if t.CustomerName != "" {
			fmt.Printf("  customer=%s", t.CustomerName)
		}
		if t.Counter != "" {
			fmt.Printf("  counter=%s", t.Counter)
		}
		if t.IsNoShow {
			fmt.Print("  no-show")
		}
		fmt.Println()
	})
}

func renderEvents(items []domain.LogEntry) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "TS", "Type", "Branch", "Ticket", "Actor", "Cause"})
	for _, e := range items {
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.BranchID, e.TicketID, e.Actor, e.Cause})
	}
	tw.Render()
}
