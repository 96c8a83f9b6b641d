package cli

import (
	"github.com/spf13/cobra"

	"github.com/relaykv/relaykv/backend"
	"github.com/relaykv/relaykv/config"
	"github.com/relaykv/relaykv/utils"
)

var (
	addr      string
	namespace string
	queueID   string
	dbNum     int

	cfg     config.Config
	be      backend.Client
	metrics *utils.Metrics
)

// NewRootCmd builds the relaykvctl command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "relaykvctl",
		Short:         "Operate a relaykv namespace",
		Long:          "relaykvctl pushes mutations, reads current values, and watches state deltas against a relaykv namespace.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg = config.Default(namespace, queueID, addr)
			cfg.DB = dbNum
			metrics = utils.NewMetrics(namespace)
			be = backend.NewRedis(backend.Options{
				Addr:        cfg.Addr,
				DB:          cfg.DB,
				DialTimeout: cfg.DialTimeout,
				Metrics:     metrics,
			})
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:6379", "backend address")
	cmd.PersistentFlags().StringVar(&namespace, "namespace", "default", "namespace")
	cmd.PersistentFlags().StringVar(&queueID, "queue", "default", "queue id")
	cmd.PersistentFlags().IntVar(&dbNum, "db", 0, "backend database index")

	cmd.AddCommand(newPushCmd(), newGetCmd(), newWatchCmd(), newRunCmd())
	return cmd
}
