package natsbus

import "fmt"

// Subjects and topics used on the bus.

// Execution jobs travel over a JetStream work-queue stream.
const (
	StreamSwarmJobs  = "SWARM_JOBS"
	SubjectSwarmJobs = "swarm.jobs"
	BucketLeases     = "swarm_leases"
)

func TopicEventsSwarmID(swarmID string) string {
	return fmt.Sprintf("events.swarm.%s", swarmID)
}

const (
	TopicEventsAll   = "events.>"
	TopicEventsSwarm = "events.swarm.*"

	TopicEventsSecrets = "events.secrets"
)
