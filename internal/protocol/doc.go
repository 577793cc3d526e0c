// Package protocol defines the JSON wire messages exchanged between agents
// and the gateway.
//
// Every frame is a JSON object with a "type" discriminator. Inbound frames
// (agent to gateway) decode into one concrete type per discriminator, all
// implementing Inbound. Handling is done through a Visitor: each inbound type
// calls exactly one Visitor method, so a new message type cannot be added
// without every visitor implementing it.
//
//	msg, err := protocol.Decode(frame)
//	if err != nil {
//		// reply with an error frame
//	}
//	err = msg.Accept(handler)
//
// Unknown discriminators decode to *Generic and reach VisitGeneric, which is
// where extension routing happens.
//
// Outbound payloads implement Outbound and are serialized with Encode, which
// writes the discriminator as the first field.
package protocol
