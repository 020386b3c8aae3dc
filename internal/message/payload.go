package message

// Payload shapes for the handshake and descriptor messages. Gossip view
// slices and media payloads are declared next to their handlers.

// SDP carries a session descriptor for offer and answer messages.
type SDP struct {
	SDP string `json:"sdp"`
}

// ICECandidate mirrors the browser candidate triple.
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdp_mid,omitempty"`
	SDPMLineIndex uint16 `json:"sdp_mline_index,omitempty"`
}

// Weight is the payload of gossip:weight messages.
type Weight struct {
	Value string `json:"value"`
}

// DescriptorPatch is a path-addressed update to a node descriptor.
type DescriptorPatch struct {
	Path  []string `json:"path"`
	Value any      `json:"value"`
}

// NewOffer builds an offer toward to with the given session descriptor.
func NewOffer(from, to string, ttl int, sdp string) *Message {
	return &Message{
		Type:      TypeOffer,
		From:      from,
		To:        to,
		TTL:       ttl,
		ForwardBy: []string{},
		Data:      MustData(SDP{SDP: sdp}),
	}
}

// NewAnswer builds an answer toward to with the given session descriptor.
func NewAnswer(from, to string, ttl int, sdp string) *Message {
	return &Message{
		Type:      TypeAnswer,
		From:      from,
		To:        to,
		TTL:       ttl,
		ForwardBy: []string{},
		Data:      MustData(SDP{SDP: sdp}),
	}
}

// NewICECandidate builds an icecandidate message toward to.
func NewICECandidate(from, to string, ttl int, cand ICECandidate) *Message {
	return &Message{
		Type:      TypeICECandidate,
		From:      from,
		To:        to,
		TTL:       ttl,
		ForwardBy: []string{},
		Data:      MustData(cand),
	}
}

// NewRequestPeer solicits a session with to; to may be AnyPeer.
func NewRequestPeer(from, to string, ttl int) *Message {
	return &Message{
		Type:      TypeRequestPeer,
		From:      from,
		To:        to,
		TTL:       ttl,
		ForwardBy: []string{},
	}
}

// NewKeepalive builds the rendezvous heartbeat.
func NewKeepalive(from string) *Message {
	return &Message{
		Type:      TypeKeepalive,
		From:      from,
		To:        SignalID,
		ForwardBy: []string{},
	}
}

// NewWeight builds a gossip:weight message carrying value.
func NewWeight(from, to string, ttl int, value string) *Message {
	return &Message{
		Type:      TypeGossipWeight,
		From:      from,
		To:        to,
		TTL:       ttl,
		ForwardBy: []string{},
		Data:      MustData(Weight{Value: value}),
	}
}
