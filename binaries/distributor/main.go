package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/twitter/grid/common/log/hooks"
	"github.com/twitter/grid/distributor/api"
	"github.com/twitter/grid/distributor/cli"
)

// Distributor binary: schedules browser sessions over a grid of nodes.
//	Supported commands: (see "-h" for all options)
//		serve [--config local.memory|remote|<file>|<json>] [--http_addr host:port]
//		status, queue_info, clear_queue
//		drain [node id], remove_node [node id], cancel_request [request id]
//		new_session --caps k1=v1,k2=v2 [--caps ...]
//	Global flags:
//		--log_level [<error|info|debug> level and above should be logged]
func main() {
	log.AddHook(hooks.NewContextHook())

	if err := cli.NewCLI(api.DefaultClient).Exec(); err != nil {
		log.Fatal("Error running distributor: ", err)
	}
}
