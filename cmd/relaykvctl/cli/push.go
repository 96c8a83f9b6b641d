package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaykv/relaykv/producer"
	"github.com/relaykv/relaykv/queue"
)

func newPushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push a mutation onto the queue",
	}
	cmd.AddCommand(
		newPushValueCmd(),
		newPushStateCmd(),
		newPushHashCmd(),
		newPushSetAddCmd(),
		newPushSetRemoveCmd(),
	)
	return cmd
}

func newProducer() *producer.Producer {
	q := queue.New(cfg.Namespace, cfg.QueueID, be, nil, nil)
	return producer.New(q)
}

func newPushValueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "value <key> <json-value>",
		Short: "Push a WRITE_SIMPLE_VALUE mutation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v any
			if err := json.Unmarshal([]byte(args[1]), &v); err != nil {
				return fmt.Errorf("parsing value: %w", err)
			}
			_, err := newProducer().WriteValue(context.Background(), args[0], v)
			return err
		},
	}
}

func newPushStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <key> <json-object>",
		Short: "Push a WRITE_STATE_OBJECT mutation ('{}' deletes)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v any
			if err := json.Unmarshal([]byte(args[1]), &v); err != nil {
				return fmt.Errorf("parsing value: %w", err)
			}
			_, err := newProducer().WriteState(context.Background(), args[0], v)
			return err
		},
	}
}

func newPushHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <key> <field> [json-value]",
		Short: "Push a WRITE_HASHMAP_VALUE mutation (omit value to HDEL)",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newProducer()
			if len(args) == 2 {
				_, err := p.DeleteHashField(context.Background(), args[0], args[1])
				return err
			}
			var v any
			if err := json.Unmarshal([]byte(args[2]), &v); err != nil {
				return fmt.Errorf("parsing value: %w", err)
			}
			_, err := p.WriteHashField(context.Background(), args[0], args[1], v)
			return err
		},
	}
}

func newPushSetAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-add <key> <value>...",
		Short: "Push an ADD_STRINGS_TO_SET mutation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := newProducer().AddToSet(context.Background(), args[0], args[1:]...)
			return err
		},
	}
}

func newPushSetRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-remove <key> <value>...",
		Short: "Push a REMOVE_STRINGS_FROM_SET mutation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := newProducer().RemoveFromSet(context.Background(), args[0], args[1:]...)
			return err
		},
	}
}
