package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ergochat/readline"
	"github.com/spf13/cobra"

	"github.com/relaykv/relaykv/model"
	"github.com/relaykv/relaykv/reader"
)

// newWatchCmd tails a state key's delta stream, printing every snapshot
// and delta as it arrives, until the operator presses Ctrl-C or "q".
func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <key>",
		Short: "Tail a state key's version and delta stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			r := reader.New(cfg.Namespace, be, nil, 0)

			unsub, err := r.Subscribe(context.Background(), key,
				func(sv model.StateVersion) {
					body, _ := json.Marshal(sv)
					fmt.Printf("full v%d %s\n", sv.Version, body)
				},
				func(d model.DiffMessage) {
					body, _ := json.Marshal(d.DeltaPayload)
					fmt.Printf("delta v%d->v%d %s\n", d.FromVersion, d.ToVersion, body)
				},
				func(e error) {
					fmt.Fprintf(os.Stderr, "watch: %s\n", e)
				},
			)
			if err != nil {
				return err
			}
			defer unsub()

			l, err := readline.NewEx(&readline.Config{
				Prompt:          fmt.Sprintf("watching %s (q to quit) ", key),
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			})
			if err != nil {
				return err
			}
			defer l.Close()
			l.CaptureExitSignal()

			for {
				line, err := l.Readline()
				if err == readline.ErrInterrupt || err == io.EOF || line == "q" {
					return nil
				}
			}
		},
	}
}
