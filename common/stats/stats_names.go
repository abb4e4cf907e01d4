package stats

/*
This file defines all the metrics being collected.   As new metrics are added please follow this pattern.
*/

const (
	/****************************** Node Registry metrics ****************************************/
	/*
		number of nodes currently UP and eligible for new sessions
	*/
	RegistryUpNodesGauge = "upNodes"

	/*
		number of nodes registered but not (yet, or any more) reachable
	*/
	RegistryDownNodesGauge = "downNodes"

	/*
		number of nodes draining their remaining sessions
	*/
	RegistryDrainingNodesGauge = "drainingNodes"

	/*
		number of slots across all nodes that are reserved or running a session
	*/
	RegistryUsedSlotsGauge = "usedSlots"

	/*
		number of slots across all nodes that are free
	*/
	RegistryFreeSlotsGauge = "freeSlots"

	/*
		the number of heartbeats refused because the registration secret did not match
	*/
	RegistryRejectedNodesCounter = "rejectedNodesCounter"

	/*
		the number of times a slot update did not match the registry's view of the slot
		(the next heartbeat is expected to correct it)
	*/
	RegistryDivergenceCounter = "divergenceCounter"

	/****************************** Distributor metrics ****************************************/
	/*
		the number of newSession calls received
	*/
	DistributorNewSessionCounter = "newSessionCounter"

	/*
		the number of sessions successfully created
	*/
	DistributorSessionCreatedCounter = "sessionCreatedCounter"

	/*
		the number of newSession calls that found no node with matching capacity
	*/
	DistributorNoCapacityCounter = "noCapacityCounter"

	/*
		the number of newSession calls where the chosen node failed to create the session
	*/
	DistributorCreateFailedCounter = "createFailedCounter"

	/*
		time spent selecting and reserving a slot while holding the registry lock
	*/
	DistributorSelectLatency_ms = "selectLatency_ms"

	/*
		end to end newSession latency, including the remote session creation
	*/
	DistributorNewSessionLatency_ms = "newSessionLatency_ms"

	/*
		the number of health check probes that failed
	*/
	HealthCheckFailureCounter = "healthCheckFailureCounter"

	/*
		the number of nodes removed after staying down too long
	*/
	HealthCheckRemovedNodesCounter = "healthCheckRemovedNodesCounter"

	/****************************** Session Queue metrics ****************************************/
	/*
		number of requests waiting in the queue
	*/
	QueueSizeGauge = "queueSize"

	/*
		the number of requests added to the queue (including requeues)
	*/
	QueueOfferCounter = "queueOfferCounter"

	/*
		the number of requests evicted because they waited longer than the request timeout
	*/
	QueueTimedOutCounter = "queueTimedOutCounter"

	/*
		the number of requests put back at the front of the queue after failing to find capacity
	*/
	QueueRequeuedCounter = "queueRequeuedCounter"

	/*
		time requests spent in the queue before a result was delivered
	*/
	QueueWaitLatency_ms = "queueWaitLatency_ms"

	/****************************** API metrics ****************************************/
	/*
		the number of node heartbeats received over http
	*/
	ApiHeartbeatCounter = "heartbeatCounter"

	/****************************** Session Map metrics ****************************************/
	/*
		number of sessions currently tracked
	*/
	SessionMapSizeGauge = "sessionMapSize"
)
