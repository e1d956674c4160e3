package model

// Event topic constants. Aspect record changes use per-kind topics built by
// AspectTopic so subscribers can filter on the kinds they care about.
const (
	TopicEntityCreated = "entity.created"
	TopicEntityMoved   = "entity.moved"
	TopicEntityDeleted = "entity.deleted"

	TopicEscrowDeposited = "escrow.deposited"
	TopicEscrowReleased  = "escrow.released"
	TopicEscrowReturned  = "escrow.returned"
	TopicEscrowExpired   = "escrow.expired"
)

// AspectTopic returns the topic for committed changes to records of the
// given kind, e.g. "aspect.combat.changed".
func AspectTopic(kind Kind) string {
	return "aspect." + string(kind) + ".changed"
}
