package link

import "sync/atomic"

// Stats is a point-in-time snapshot of one link's counters.
type Stats struct {
	Name string `json:"name" yaml:"name"`

	MessagesAccepted    uint64 `json:"messages_accepted" yaml:"messages_accepted"`
	MessagesOversize    uint64 `json:"messages_oversize" yaml:"messages_oversize"`
	MessagesSent        uint64 `json:"messages_sent" yaml:"messages_sent"`
	MessagesUndelivered uint64 `json:"messages_undelivered" yaml:"messages_undelivered"`
	MessagesReceived    uint64 `json:"messages_received" yaml:"messages_received"`

	FragmentWrites     uint64 `json:"fragment_writes" yaml:"fragment_writes"`
	Retransmissions    uint64 `json:"retransmissions" yaml:"retransmissions"`
	FragmentsAcked     uint64 `json:"fragments_acked" yaml:"fragments_acked"`
	FragmentsAbandoned uint64 `json:"fragments_abandoned" yaml:"fragments_abandoned"`

	DataReceived        uint64 `json:"data_received" yaml:"data_received"`
	AcksSent            uint64 `json:"acks_sent" yaml:"acks_sent"`
	AcksReceived        uint64 `json:"acks_received" yaml:"acks_received"`
	StrayAcks           uint64 `json:"stray_acks" yaml:"stray_acks"`
	AckPayloadAnomalies uint64 `json:"ack_payload_anomalies" yaml:"ack_payload_anomalies"`
	PassthroughUnits    uint64 `json:"passthrough_units" yaml:"passthrough_units"`

	PendingAcks      int `json:"pending_acks" yaml:"pending_acks"`
	PendingHighWater int `json:"pending_high_water" yaml:"pending_high_water"`
	IDsInFlight      int `json:"ids_in_flight" yaml:"ids_in_flight"`

	Closed bool   `json:"closed" yaml:"closed"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

type counters struct {
	messagesAccepted    atomic.Uint64
	messagesOversize    atomic.Uint64
	messagesSent        atomic.Uint64
	messagesUndelivered atomic.Uint64
	messagesReceived    atomic.Uint64

	fragmentWrites     atomic.Uint64
	retransmissions    atomic.Uint64
	fragmentsAcked     atomic.Uint64
	fragmentsAbandoned atomic.Uint64

	dataReceived        atomic.Uint64
	acksSent            atomic.Uint64
	acksReceived        atomic.Uint64
	strayAcks           atomic.Uint64
	ackPayloadAnomalies atomic.Uint64
	passthroughUnits    atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		MessagesAccepted:    c.messagesAccepted.Load(),
		MessagesOversize:    c.messagesOversize.Load(),
		MessagesSent:        c.messagesSent.Load(),
		MessagesUndelivered: c.messagesUndelivered.Load(),
		MessagesReceived:    c.messagesReceived.Load(),
		FragmentWrites:      c.fragmentWrites.Load(),
		Retransmissions:     c.retransmissions.Load(),
		FragmentsAcked:      c.fragmentsAcked.Load(),
		FragmentsAbandoned:  c.fragmentsAbandoned.Load(),
		DataReceived:        c.dataReceived.Load(),
		AcksSent:            c.acksSent.Load(),
		AcksReceived:        c.acksReceived.Load(),
		StrayAcks:           c.strayAcks.Load(),
		AckPayloadAnomalies: c.ackPayloadAnomalies.Load(),
		PassthroughUnits:    c.passthroughUnits.Load(),
	}
}
