// Package main implements orderctl, the trellis command-line client.
//
// Every command asks the Localization node for a proxy (LOCALIZE) and then
// sends one request to that proxy. --proxy skips the lookup.
//
// Example usage:
//
//	export LOCALIZATION_ADDR=127.0.0.1:8403
//	orderctl create "Desk" "Oak, 2m"
//	orderctl find 101
//	orderctl update 101 --name "Standing desk" --done
//	orderctl list
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/trellis/internal/cluster"
)

type client struct {
	localization string
	proxy        string
	timeout      time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &client{}
	root := &cobra.Command{
		Use:          "orderctl",
		Short:        "Manage orders stored in a trellis cluster",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&c.localization, "localization", getenv("LOCALIZATION_ADDR", ""), "Localization data address")
	pf.StringVar(&c.proxy, "proxy", getenv("PROXY_ADDR", ""), "proxy data address (skips LOCALIZE)")
	pf.DurationVar(&c.timeout, "timeout", cluster.DefaultTimeout, "per-request timeout")

	root.AddCommand(
		c.localizeCmd(),
		c.createCmd(),
		c.findCmd(),
		c.updateCmd(),
		c.deleteCmd(),
		c.listCmd(),
		c.countCmd(),
	)
	return root
}

func (c *client) localizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "localize",
		Short: "Print the proxy address Localization hands out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := c.resolve(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), addr)
			return err
		},
	}
}

func (c *client) createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create NAME [DESCRIPTION]",
		Short: "Create an order",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var desc string
			if len(args) == 2 {
				desc = args[1]
			}
			resp, err := c.do(cmd.Context(), cluster.NewOrderRequest(cluster.OpCreate, cluster.NewOrder(args[0], desc)))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp.Order)
		},
	}
}

func (c *client) findCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "find CODE",
		Short: "Show one order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := parseCode(args[0])
			if err != nil {
				return err
			}
			resp, err := c.do(cmd.Context(), cluster.NewFindRequest(code))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp.Order)
		},
	}
}

func (c *client) updateCmd() *cobra.Command {
	var name, desc string
	var done bool
	cmd := &cobra.Command{
		Use:   "update CODE",
		Short: "Change an order's name, description or completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := parseCode(args[0])
			if err != nil {
				return err
			}
			resp, err := c.do(cmd.Context(), cluster.NewFindRequest(code))
			if err != nil {
				return err
			}
			order := *resp.Order
			if cmd.Flags().Changed("name") {
				order.Name = name
			}
			if cmd.Flags().Changed("description") {
				order.Description = desc
			}
			if done && order.DoneAt == nil {
				now := time.Now().UTC()
				order.DoneAt = &now
			}
			resp, err = c.do(cmd.Context(), cluster.NewOrderRequest(cluster.OpUpdate, order))
			if err != nil {
				return err
			}
			if resp.Order != nil {
				order = *resp.Order
			}
			return printJSON(cmd.OutOrStdout(), order)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&desc, "description", "", "new description")
	cmd.Flags().BoolVar(&done, "done", false, "mark the order completed")
	return cmd
}

func (c *client) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete CODE",
		Short: "Delete an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := parseCode(args[0])
			if err != nil {
				return err
			}
			if _, err := c.do(cmd.Context(), cluster.NewOrderRequest(cluster.OpDelete, cluster.Order{Code: &code})); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d\n", code)
			return err
		},
	}
}

func (c *client) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all orders, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.do(cmd.Context(), cluster.Request{Operation: cluster.OpList})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp.Orders)
		},
	}
}

func (c *client) countCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Count all orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.do(cmd.Context(), cluster.Request{Operation: cluster.OpCount})
			if err != nil {
				return err
			}
			if resp.Count == nil {
				return fmt.Errorf("%w: COUNT reply without a count", cluster.ErrDecode)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), *resp.Count)
			return err
		},
	}
}

// resolve returns the proxy to talk to.
func (c *client) resolve(ctx context.Context) (string, error) {
	if c.proxy != "" {
		return c.proxy, nil
	}
	if c.localization == "" {
		return "", errors.New("set --localization (LOCALIZATION_ADDR) or --proxy (PROXY_ADDR)")
	}
	resp := c.send(ctx, c.localization, cluster.Request{Operation: cluster.OpLocalize})
	if err := resp.Err(); err != nil {
		return "", fmt.Errorf("localize: %w", err)
	}
	if resp.Address == "" {
		return "", fmt.Errorf("%w: LOCALIZE reply without an address", cluster.ErrDecode)
	}
	return resp.Address, nil
}

// do sends req to a proxy and turns an ERROR reply into an error.
func (c *client) do(ctx context.Context, req cluster.Request) (cluster.Response, error) {
	addr, err := c.resolve(ctx)
	if err != nil {
		return cluster.Response{}, err
	}
	resp := c.send(ctx, addr, req)
	if err := resp.Err(); err != nil {
		return resp, err
	}
	return resp, nil
}

func (c *client) send(ctx context.Context, addr string, req cluster.Request) cluster.Response {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return cluster.Send(ctx, addr, req)
}

func parseCode(s string) (int64, error) {
	code, err := strconv.ParseInt(s, 10, 64)
	if err != nil || code <= 0 {
		return 0, fmt.Errorf("invalid order code %q", s)
	}
	return code, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
