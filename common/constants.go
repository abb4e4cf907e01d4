package common

import (
	"time"
)

// Bind address of the distributor's http server.
const DefaultDistributor_HTTP = "localhost:4444"

// Timeout for requests sent once to a node, such as session creation.
const DefaultClientTimeout = time.Minute

// How long a distributor waits for in flight requests when shutting down.
const DefaultShutdownTimeout = 10 * time.Second
