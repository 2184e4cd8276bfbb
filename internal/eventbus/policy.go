package eventbus

// DeliveryStrategy decides what happens to an event when a subscriber's
// channel is full.
type DeliveryStrategy string

const (
	// StrategyDropOldest evicts the oldest queued event to make room.
	StrategyDropOldest DeliveryStrategy = "drop-oldest"
	// StrategyDropNewest discards the incoming event.
	StrategyDropNewest DeliveryStrategy = "drop-newest"
	// StrategyBacklog queues events in a bounded backlog that a pump goroutine
	// feeds into the channel in order. Only a full backlog loses events.
	StrategyBacklog DeliveryStrategy = "backlog"
)

// DeliveryPolicy is the backpressure contract of one topic.
type DeliveryPolicy struct {
	Strategy DeliveryStrategy
	// Backlog caps the queue of StrategyBacklog; zero means defaultBacklog.
	Backlog int
}

const defaultBacklog = 512

// A lost status or rebuild event leaves control-plane clients with a stale
// view. Log and audit lines are high volume; a slow reader loses the newest.
var topicPolicies = map[Topic]DeliveryPolicy{
	TopicHostStatus:    {Strategy: StrategyBacklog},
	TopicRebuildDone:   {Strategy: StrategyBacklog, Backlog: 64},
	TopicConfigChanged: {Strategy: StrategyDropOldest},
	TopicHostLog:       {Strategy: StrategyDropNewest},
	TopicControlAudit:  {Strategy: StrategyDropNewest},
}

func (p DeliveryPolicy) backlogSize() int {
	if p.Backlog > 0 {
		return p.Backlog
	}
	return defaultBacklog
}

// policyFor resolves the policy of topic: overrides first, then the
// built-in table, then drop-oldest.
func policyFor(topic Topic, overrides map[Topic]DeliveryPolicy) DeliveryPolicy {
	if p, ok := overrides[topic]; ok {
		return p
	}
	if p, ok := topicPolicies[topic]; ok {
		return p
	}
	return DeliveryPolicy{Strategy: StrategyDropOldest}
}
