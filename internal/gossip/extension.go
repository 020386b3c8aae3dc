package gossip

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/Hquestion/Paradone/internal/message"
	"github.com/Hquestion/Paradone/internal/peer"
)

// Extension wires the engine into a peer core: view-maintenance messages
// are forwarded to the worker, and the weight protocol runs against the
// connection table with the worker's admission cap.
func Extension(e *Engine, log *logrus.Logger) peer.Extension {
	return func(p *peer.Peer) {
		p.SetGossipControl(e)

		toWorker := func(msg *message.Message) { e.Forward(msg.Clone()) }
		p.On(message.TypeFirstView, toWorker)
		p.On(message.TypeGossipRequestExchange, toWorker)
		p.On(message.TypeGossipAnswerRequest, toWorker)
		p.On(message.TypeGossipDescriptorUpdate, toWorker)
		p.On(message.TypeGossipBandwidth, toWorker)

		p.On(message.TypeGossipWeight, func(msg *message.Message) {
			handleWeight(p, e, msg, log)
		})
	}
}

// Pump drains the worker's outbound stream into the peer core: view
// snapshots replace the cached view, everything else goes on the wire.
func Pump(ctx context.Context, e *Engine, p *peer.Peer, log *logrus.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-e.Out():
			if msg.Type == message.TypeGossipViewUpdate {
				var slice ViewSlice
				if err := msg.DecodeData(&slice); err != nil {
					log.Warnf("undecodable view update: %v", err)
					continue
				}
				view := make([]map[string]any, 0, len(slice.View))
				for _, d := range slice.View {
					view = append(view, map[string]any(d))
				}
				p.SetView(view)
				continue
			}

			out := msg.Clone()
			out.From = p.ID()
			out.TTL = p.TTL()
			if err := p.Send(out); err != nil {
				log.Warnf("gossip send %s failed: %v", out.Type, err)
			}
		}
	}
}

// handleWeight runs the heavy/light admission protocol on the peer side,
// where the connection table lives.
func handleWeight(p *peer.Peer, e *Engine, msg *message.Message, log *logrus.Logger) {
	var w message.Weight
	if err := msg.DecodeData(&w); err != nil {
		log.Warnf("undecodable weight message from %s: %v", msg.From, err)
		return
	}

	reply := func(value string) {
		partial := &message.Message{
			Type: message.TypeGossipWeight,
			Data: message.MustData(message.Weight{Value: value}),
		}
		if err := p.RespondTo(msg, partial); err != nil {
			log.Warnf("weight reply to %s failed: %v", msg.From, err)
		}
	}

	switch w.Value {
	case message.WeightRequestHeavy:
		conn := p.Connection(msg.From)
		if conn != nil && conn.Weight.Incoming == peer.Light &&
			p.HeavyCount() < e.MaxConnections() {
			p.SetConnWeight(msg.From, true, peer.Heavy)
			reply(message.WeightAckHeavy)
			return
		}
		reply(message.WeightNoackHeavy)

	case message.WeightRequestLight:
		p.SetConnWeight(msg.From, true, peer.Light)
		reply(message.WeightAckLight)

	case message.WeightAckHeavy:
		p.SetConnWeight(msg.From, false, peer.Heavy)

	case message.WeightAckLight:
		p.SetConnWeight(msg.From, false, peer.Light)

	case message.WeightNoackHeavy, message.WeightNoackLight:
		// Denied; the requester simply stays at its current weight.

	default:
		log.Warnf("unknown weight value %q from %s", w.Value, msg.From)
	}
}
