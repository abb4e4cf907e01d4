package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/twitter/grid/common"
	"github.com/twitter/grid/common/endpoints"
	"github.com/twitter/grid/distributor/api"
	"github.com/twitter/grid/distributor/config"
	"github.com/twitter/grid/distributor/domain"
	"github.com/twitter/grid/distributor/starter"
)

type serveCmd struct {
	httpAddr           string
	configSelector     string
	registrationSecret string
}

func (c *serveCmd) registerFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "serve",
		Short: "Run a distributor",
	}
	r.Flags().StringVar(&c.httpAddr, "http_addr", common.DefaultDistributor_HTTP, "Bind address for http server")
	r.Flags().StringVar(&c.configSelector, "config", "local.memory", "Distributor config (a name like local.memory, a JSON file or JSON text)")
	r.Flags().StringVar(&c.registrationSecret, "registration_secret", "", "Secret nodes must present to register (overrides the config)")
	return r
}

func (c *serveCmd) run(cl *CLI, cmd *cobra.Command, args []string) error {
	configs, err := config.GetConfigs(c.configSelector)
	if err != nil {
		return err
	}
	if c.registrationSecret != "" {
		configs.Distributor.RegistrationSecret = c.registrationSecret
	}
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Infof("Starting distributor on %s", c.httpAddr)
	return starter.RunServer(ctx, configs, c.httpAddr, endpoints.MakeStatsReceiver("distributor"))
}

type statusCmd struct{}

func (c *statusCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the nodes and slots of a distributor",
	}
}

func (c *statusCmd) run(cl *CLI, cmd *cobra.Command, args []string) error {
	status, err := cl.client.GetStatus(commandContext(cmd))
	if err != nil {
		return err
	}
	return printJSON(cmd, status)
}

type queueInfoCmd struct{}

func (c *queueInfoCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "queue_info",
		Short: "Print queued requests by browser, platform and version",
	}
}

func (c *queueInfoCmd) run(cl *CLI, cmd *cobra.Command, args []string) error {
	info, err := cl.client.GetQueueInfo(commandContext(cmd))
	if err != nil {
		return err
	}
	return printJSON(cmd, info)
}

type drainCmd struct{}

func (c *drainCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "drain [node id]",
		Short: "Stop scheduling on a node and remove it once its sessions end",
		Args:  cobra.ExactArgs(1),
	}
}

func (c *drainCmd) run(cl *CLI, cmd *cobra.Command, args []string) error {
	return cl.client.Drain(commandContext(cmd), domain.NodeId(args[0]))
}

type removeCmd struct{}

func (c *removeCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "remove_node [node id]",
		Short: "Forget a node without stopping its sessions",
		Args:  cobra.ExactArgs(1),
	}
}

func (c *removeCmd) run(cl *CLI, cmd *cobra.Command, args []string) error {
	return cl.client.RemoveNode(commandContext(cmd), domain.NodeId(args[0]))
}

type clearQueueCmd struct{}

func (c *clearQueueCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "clear_queue",
		Short: "Reject every queued request",
	}
}

func (c *clearQueueCmd) run(cl *CLI, cmd *cobra.Command, args []string) error {
	cleared, err := cl.client.ClearQueue(commandContext(cmd))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cleared %d requests\n", cleared)
	return nil
}

type cancelRequestCmd struct{}

func (c *cancelRequestCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel_request [request id]",
		Short: "Cancel a pending request",
		Args:  cobra.ExactArgs(1),
	}
}

func (c *cancelRequestCmd) run(cl *CLI, cmd *cobra.Command, args []string) error {
	return cl.client.CancelRequest(commandContext(cmd), domain.RequestId(args[0]))
}

type newSessionCmd struct {
	capabilities []string
	timeout      time.Duration
}

func (c *newSessionCmd) registerFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "new_session",
		Short: "Request a session and print it once a node has started it",
	}
	r.Flags().StringArrayVar(&c.capabilities, "caps", nil, "Capabilities as k1=v1,k2=v2, repeat for alternatives in order of preference")
	r.Flags().DurationVar(&c.timeout, "timeout", 5*time.Minute, "How long to wait for the session")
	return r
}

func (c *newSessionCmd) run(cl *CLI, cmd *cobra.Command, args []string) error {
	if len(c.capabilities) == 0 {
		return errors.New("at least one --caps must be provided")
	}
	payload := api.NewSessionPayload{Dialects: []string{"W3C"}}
	for _, s := range c.capabilities {
		caps := domain.Capabilities{}
		for k, v := range common.SplitCommaSepToMap(s) {
			caps[k] = v
		}
		if len(caps) == 0 {
			return fmt.Errorf("no capabilities in %q", s)
		}
		payload.Capabilities = append(payload.Capabilities, caps)
	}
	ctx, cancel := context.WithTimeout(commandContext(cmd), c.timeout)
	defer cancel()
	session, err := cl.client.NewSession(ctx, payload)
	if err != nil {
		return err
	}
	return printJSON(cmd, session)
}
