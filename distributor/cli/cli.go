// Package cli is the command line of the distributor binary: serving a grid
// and talking to a running one.
package cli

import (
	"context"
	"encoding/json"
	"io"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/twitter/grid/common"
	"github.com/twitter/grid/distributor/api"
)

type CLI struct {
	rootCmd *cobra.Command

	addr     string
	logLevel string
	client   *api.Client
}

func (c *CLI) Exec() error {
	return c.rootCmd.Execute()
}

// NewCLI builds the command tree. newClient is called once per command that
// talks to a running distributor.
func NewCLI(newClient func(addr string) *api.Client) *CLI {
	c := &CLI{}
	c.rootCmd = &cobra.Command{
		Use:           "distributor",
		Short:         "distributor schedules browser sessions over a grid of nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			level, err := log.ParseLevel(c.logLevel)
			if err != nil {
				return err
			}
			log.SetLevel(level)
			return nil
		},
	}
	c.rootCmd.PersistentFlags().StringVar(&c.logLevel, "log_level", "info", "Log everything at this level and above (error|info|debug)")

	c.addServerCmd(&serveCmd{})
	for _, cmd := range []command{
		&statusCmd{},
		&queueInfoCmd{},
		&drainCmd{},
		&removeCmd{},
		&clearQueueCmd{},
		&cancelRequestCmd{},
		&newSessionCmd{},
	} {
		c.addClientCmd(cmd, newClient)
	}
	return c
}

// SetArgs and SetOutput are for tests.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

func (c *CLI) SetOutput(w io.Writer) {
	c.rootCmd.SetOut(w)
	c.rootCmd.SetErr(w)
}

type command interface {
	registerFlags() *cobra.Command
	run(cl *CLI, cmd *cobra.Command, args []string) error
}

func (c *CLI) addServerCmd(cmd command) {
	cobraCmd := cmd.registerFlags()
	cobraCmd.RunE = func(innerCmd *cobra.Command, args []string) error {
		return cmd.run(c, innerCmd, args)
	}
	c.rootCmd.AddCommand(cobraCmd)
}

func (c *CLI) addClientCmd(cmd command, newClient func(addr string) *api.Client) {
	cobraCmd := cmd.registerFlags()
	cobraCmd.Flags().StringVar(&c.addr, "addr", common.DefaultDistributor_HTTP, "distributor address")
	cobraCmd.RunE = func(innerCmd *cobra.Command, args []string) error {
		c.client = newClient(c.addr)
		return cmd.run(c, innerCmd, args)
	}
	c.rootCmd.AddCommand(cobraCmd)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
