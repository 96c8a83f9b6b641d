package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaykv/relaykv/reader"
)

func newGetCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Read the current value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := reader.New(cfg.Namespace, be, nil, 0)
			ctx := context.Background()
			switch kind {
			case "value":
				v, ok, err := r.FetchValue(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no such value key %q", args[0])
				}
				fmt.Println(v)
			case "state":
				sv, ok, err := r.FetchState(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no such state key %q", args[0])
				}
				body, _ := json.MarshalIndent(sv, "", "  ")
				fmt.Println(string(body))
			case "hash":
				m, err := r.FetchHash(ctx, args[0])
				if err != nil {
					return err
				}
				body, _ := json.MarshalIndent(m, "", "  ")
				fmt.Println(string(body))
			case "set":
				m, err := r.FetchSet(ctx, args[0])
				if err != nil {
					return err
				}
				body, _ := json.MarshalIndent(m, "", "  ")
				fmt.Println(string(body))
			default:
				return fmt.Errorf("unknown --kind %q, want value|state|hash|set", kind)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "value", "one of value|state|hash|set")
	return cmd
}
