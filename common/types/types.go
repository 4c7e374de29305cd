package types

const (
	// MSG_RPC Single call.
	MSG_RPC = byte(0)
	// MSG_ATTACH_TO Local service asks to attach to a destination. Peers send it to open a link.
	MSG_ATTACH_TO = byte(1)
	// MSG_TAKE_CHECKPOINT Coordinator asks the local service for a checkpoint.
	MSG_TAKE_CHECKPOINT = byte(2)
	// MSG_CHECKPOINT Local service checkpoint payload, in both directions.
	MSG_CHECKPOINT = byte(3)
	// MSG_RPC_BATCH Batch of calls: count | msgs.
	MSG_RPC_BATCH = byte(4)
	// MSG_COUNTED_BATCH Batch of calls: count | replayable count | msgs.
	MSG_COUNTED_BATCH = byte(5)
	// MSG_PING Liveness probe.
	MSG_PING = byte(6)
	// MSG_PING_ECHO Reply of MSG_PING.
	MSG_PING_ECHO = byte(7)
	// MSG_INITIAL The first call the local service makes to itself on creation.
	MSG_INITIAL = byte(8)
	// MSG_COMMIT_ACK Destination reports its durable input watermark.
	MSG_COMMIT_ACK = byte(9)
	// MSG_TRIM_TO Source tells the destination where its replay buffer starts.
	MSG_TRIM_TO = byte(10)
	// MSG_REPLAY_FROM Destination tells the source where to resume sending.
	MSG_REPLAY_FROM = byte(11)
	// MSG_BECOME_PRIMARY Coordinator tells the local service it is live.
	MSG_BECOME_PRIMARY = byte(12)
	// MSG_UPGRADE_TAKE_CHECKPOINT Checkpoint request on version upgrade.
	MSG_UPGRADE_TAKE_CHECKPOINT = byte(13)

	// RPC_REQUEST Call that expects a return value.
	RPC_REQUEST = byte(0)
	// RPC_RETURN Return value of a request.
	RPC_RETURN = byte(1)
	// RPC_FIRE_FORGET Call without return value.
	RPC_FIRE_FORGET = byte(2)
	// RPC_IMPULSE Call from outside a logged handler. Never regenerated on replay.
	RPC_IMPULSE = byte(3)

	// MaxMessageSize Upper bound of a single frame.
	MaxMessageSize = 1 << 30
)

// MessageName Readable name of a message type.
func MessageName(typ byte) string {
	switch typ {
	case MSG_RPC:
		return "RPC"
	case MSG_ATTACH_TO:
		return "AttachTo"
	case MSG_TAKE_CHECKPOINT:
		return "TakeCheckpoint"
	case MSG_CHECKPOINT:
		return "Checkpoint"
	case MSG_RPC_BATCH:
		return "RPCBatch"
	case MSG_COUNTED_BATCH:
		return "CountedReplayableBatch"
	case MSG_PING:
		return "Ping"
	case MSG_PING_ECHO:
		return "PingEcho"
	case MSG_INITIAL:
		return "InitialMessage"
	case MSG_COMMIT_ACK:
		return "CommitAck"
	case MSG_TRIM_TO:
		return "TrimTo"
	case MSG_REPLAY_FROM:
		return "ReplayFrom"
	case MSG_BECOME_PRIMARY:
		return "BecomePrimary"
	case MSG_UPGRADE_TAKE_CHECKPOINT:
		return "UpgradeTakeCheckpoint"
	default:
		return "Unknown"
	}
}
