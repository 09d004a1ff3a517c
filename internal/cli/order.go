package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewOrderCmd creates the "order" command group.
func NewOrderCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Manage fulfillment orders",
	}

	cmd.AddCommand(newOrderPlaceCmd(clientFn, outputFn))
	cmd.AddCommand(newOrderListCmd(clientFn, outputFn))
	cmd.AddCommand(newOrderShowCmd(clientFn, outputFn))
	cmd.AddCommand(newOrderHistoryCmd(clientFn, outputFn))
	cmd.AddCommand(newOrderApproveCmd(clientFn, outputFn))
	cmd.AddCommand(newOrderCancelCmd(clientFn, outputFn))
	cmd.AddCommand(newOrderUpdateAddressCmd(clientFn, outputFn))

	return cmd
}

func newOrderPlaceCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		customer string
		address  string
		items    []string
	)

	cmd := &cobra.Command{
		Use:   "place ID",
		Short: "Place a new order",
		Long: `Place a new order and start its fulfillment workflow.

Each --item takes the form SKU:QUANTITY:UNIT_PRICE with the price in cents,
for example --item widget:2:1250.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, err := parseItems(items)
			if err != nil {
				return err
			}

			order, err := clientFn().PlaceOrder(CreateOrderRequest{
				OrderID:  args[0],
				Customer: customer,
				Items:    lines,
				Address:  address,
			})
			if err != nil {
				return err
			}

			out := outputFn()
			if out.JSON() {
				return out.Print(order)
			}
			out.Success("order %s placed (%s)", order.ID, order.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&customer, "customer", "", "customer name")
	cmd.Flags().StringVar(&address, "address", "", "shipping address")
	cmd.Flags().StringArrayVar(&items, "item", nil, "order line as SKU:QUANTITY:UNIT_PRICE (repeatable)")

	return cmd
}

func newOrderListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			orders, err := clientFn().ListOrders(status)
			if err != nil {
				return err
			}

			out := outputFn()
			if out.JSON() {
				return out.Print(orders)
			}

			rows := make([][]string, 0, len(orders))
			for _, o := range orders {
				rows = append(rows, []string{o.ID, o.Status, o.State})
			}
			return out.Table([]string{"ID", "STATUS", "STATE"}, rows)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (RUNNING, WAITING, COMPLETED, CANCELLED, FAILED)")

	return cmd
}

func newOrderShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show one order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			order, err := clientFn().GetOrder(args[0])
			if err != nil {
				return err
			}

			out := outputFn()
			if out.JSON() {
				return out.Print(order)
			}

			rows := [][]string{{order.ID, order.Status, order.State, order.Error}}
			return out.Table([]string{"ID", "STATUS", "STATE", "ERROR"}, rows)
		},
	}
}

func newOrderHistoryCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "history ID",
		Short: "Show the event history of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := clientFn().GetHistory(args[0])
			if err != nil {
				return err
			}

			out := outputFn()
			if out.JSON() {
				return out.Print(events)
			}

			rows := make([][]string, 0, len(events))
			for _, ev := range events {
				detail := ev.State
				if ev.Activity != "" {
					detail = ev.Activity
					if ev.Attempt > 0 {
						detail = fmt.Sprintf("%s #%d", ev.Activity, ev.Attempt)
					}
				}
				if ev.Signal != "" {
					detail = ev.Signal
				}
				rows = append(rows, []string{
					strconv.FormatInt(ev.Seq, 10), ev.Kind, detail, ev.Error,
				})
			}
			return out.Table([]string{"SEQ", "KIND", "DETAIL", "ERROR"}, rows)
		},
	}
}

func newOrderApproveCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "approve ID",
		Short: "Approve an order awaiting approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().Signal(args[0], "approve", key, nil); err != nil {
				return err
			}
			outputFn().Success("order %s approved", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "deduplication key for the signal")

	return cmd
}

func newOrderCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().Signal(args[0], "cancel", key, nil); err != nil {
				return err
			}
			outputFn().Success("order %s cancelled", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "deduplication key for the signal")

	return cmd
}

func newOrderUpdateAddressCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "update-address ID ADDRESS",
		Short: "Update the shipping address of an order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().Signal(args[0], "update-address", "", args[1]); err != nil {
				return err
			}
			outputFn().Success("order %s address updated", args[0])
			return nil
		},
	}
}

func parseItems(specs []string) ([]ItemRequest, error) {
	items := make([]ItemRequest, 0, len(specs))
	for _, s := range specs {
		parts := strings.Split(s, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid item %q, expected SKU:QUANTITY:UNIT_PRICE", s)
		}
		qty, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid quantity in item %q: %w", s, err)
		}
		price, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid unit price in item %q: %w", s, err)
		}
		items = append(items, ItemRequest{SKU: parts[0], Quantity: qty, UnitPrice: price})
	}
	return items, nil
}
