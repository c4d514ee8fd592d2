package encoding

import (
	"io"
)

// MQTT 3.1/3.1.1 packet encoders. Each Encode computes the remaining
// length up front, writes the fixed header and then the variable header
// and payload in wire order.

// Encode encodes a CONNECT packet
func (p *ConnectPacket) Encode(w io.Writer) error {
	version := p.ProtocolVersion
	if version == 0 {
		version = Version311
	}
	protocolName := p.ProtocolName
	if protocolName == "" {
		protocolName = version.ProtocolName()
	}

	// MQTT 3.1.1 rejects a password without a username [MQTT-3.1.2-22]
	if version == Version311 && p.PasswordFlag && !p.UsernameFlag {
		return ErrPasswordWithoutUsername
	}
	if p.WillFlag && !p.WillQoS.IsValid() {
		return ErrInvalidQoS
	}

	// Variable header: protocol name, level, connect flags, keep alive
	varHeaderLen := 2 + len(protocolName) + 1 + 1 + 2

	payloadLen := 2 + len(p.ClientID)
	if p.WillFlag {
		payloadLen += 2 + len(p.WillTopic)
		payloadLen += 2 + len(p.WillPayload)
	}
	if p.UsernameFlag {
		payloadLen += 2 + len(p.Username)
	}
	if p.PasswordFlag {
		payloadLen += 2 + len(p.Password)
	}

	fh := FixedHeader{
		Type:            CONNECT,
		Flags:           0,
		RemainingLength: uint32(varHeaderLen + payloadLen),
	}

	if fh.RemainingLength > MaxRemainingLength {
		return ErrPayloadTooLarge
	}

	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	if err := writeUTF8String(w, protocolName); err != nil {
		return err
	}

	if err := writeByte(w, byte(version)); err != nil {
		return err
	}

	var connectFlags byte
	if p.CleanSession {
		connectFlags |= 0x02
	}
	if p.WillFlag {
		connectFlags |= 0x04
		connectFlags |= byte(p.WillQoS) << 3
		if p.WillRetain {
			connectFlags |= 0x20
		}
	}
	if p.PasswordFlag {
		connectFlags |= 0x40
	}
	if p.UsernameFlag {
		connectFlags |= 0x80
	}

	if err := writeByte(w, connectFlags); err != nil {
		return err
	}

	if err := writeTwoByteInt(w, p.KeepAlive); err != nil {
		return err
	}

	if err := writeUTF8String(w, p.ClientID); err != nil {
		return err
	}

	if p.WillFlag {
		if err := writeUTF8String(w, p.WillTopic); err != nil {
			return err
		}
		if err := writeBinaryData(w, p.WillPayload); err != nil {
			return err
		}
	}

	if p.UsernameFlag {
		if err := writeUTF8String(w, p.Username); err != nil {
			return err
		}
	}

	if p.PasswordFlag {
		if err := writeBinaryData(w, p.Password); err != nil {
			return err
		}
	}

	return nil
}

// Encode encodes a CONNACK packet
func (p *ConnackPacket) Encode(w io.Writer) error {
	fh := FixedHeader{
		Type:            CONNACK,
		Flags:           0,
		RemainingLength: 2, // ack flags + return code
	}

	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	var ackFlags byte
	if p.SessionPresent {
		ackFlags |= 0x01
	}
	if err := writeByte(w, ackFlags); err != nil {
		return err
	}

	return writeByte(w, byte(p.ReturnCode))
}

// Encode encodes a PUBLISH packet
func (p *PublishPacket) Encode(w io.Writer) error {
	if !p.FixedHeader.QoS.IsValid() {
		return ErrInvalidQoS
	}
	if p.FixedHeader.QoS > QoS0 && p.PacketID == 0 {
		return ErrInvalidPacketID
	}

	remainingLength := uint32(2 + len(p.TopicName) + len(p.Payload))
	if p.FixedHeader.QoS > QoS0 {
		remainingLength += 2
	}
	if remainingLength > MaxRemainingLength {
		return ErrPayloadTooLarge
	}

	fh := FixedHeader{
		Type:            PUBLISH,
		RemainingLength: remainingLength,
		DUP:             p.FixedHeader.DUP,
		QoS:             p.FixedHeader.QoS,
		Retain:          p.FixedHeader.Retain,
	}
	fh.Flags = fh.BuildPublishFlags()

	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	if err := writeUTF8String(w, p.TopicName); err != nil {
		return err
	}

	if p.FixedHeader.QoS > QoS0 {
		if err := writeTwoByteInt(w, p.PacketID); err != nil {
			return err
		}
	}

	if len(p.Payload) > 0 {
		_, err := w.Write(p.Payload)
		return err
	}

	return nil
}

// encodePacketIDOnly encodes the shared two-byte packet identifier body of
// PUBACK, PUBREC, PUBREL, PUBCOMP and UNSUBACK
func encodePacketIDOnly(w io.Writer, packetType PacketType, flags byte, packetID uint16) error {
	fh := FixedHeader{
		Type:            packetType,
		Flags:           flags,
		RemainingLength: 2,
	}

	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	return writeTwoByteInt(w, packetID)
}

// Encode encodes a PUBACK packet
func (p *PubackPacket) Encode(w io.Writer) error {
	return encodePacketIDOnly(w, PUBACK, 0, p.PacketID)
}

// Encode encodes a PUBREC packet
func (p *PubrecPacket) Encode(w io.Writer) error {
	return encodePacketIDOnly(w, PUBREC, 0, p.PacketID)
}

// Encode encodes a PUBREL packet
func (p *PubrelPacket) Encode(w io.Writer) error {
	// Reserved flags must be 0010
	return encodePacketIDOnly(w, PUBREL, 0x02, p.PacketID)
}

// Encode encodes a PUBCOMP packet
func (p *PubcompPacket) Encode(w io.Writer) error {
	return encodePacketIDOnly(w, PUBCOMP, 0, p.PacketID)
}

// Encode encodes a SUBSCRIBE packet
func (p *SubscribePacket) Encode(w io.Writer) error {
	if len(p.Subscriptions) == 0 {
		return ErrEmptySubscriptionList
	}

	remainingLength := uint32(2) // Packet ID
	for _, sub := range p.Subscriptions {
		if !sub.QoS.IsValid() {
			return ErrInvalidQoS
		}
		remainingLength += uint32(2 + len(sub.TopicFilter) + 1)
	}
	if remainingLength > MaxRemainingLength {
		return ErrPayloadTooLarge
	}

	fh := FixedHeader{
		Type:            SUBSCRIBE,
		Flags:           0x02, // Reserved flags must be 0010
		RemainingLength: remainingLength,
	}

	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	if err := writeTwoByteInt(w, p.PacketID); err != nil {
		return err
	}

	for _, sub := range p.Subscriptions {
		if err := writeUTF8String(w, sub.TopicFilter); err != nil {
			return err
		}
		if err := writeByte(w, byte(sub.QoS)); err != nil {
			return err
		}
	}

	return nil
}

// Encode encodes a SUBACK packet
func (p *SubackPacket) Encode(w io.Writer) error {
	fh := FixedHeader{
		Type:            SUBACK,
		Flags:           0,
		RemainingLength: uint32(2 + len(p.ReturnCodes)),
	}

	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	if err := writeTwoByteInt(w, p.PacketID); err != nil {
		return err
	}

	if len(p.ReturnCodes) > 0 {
		_, err := w.Write(p.ReturnCodes)
		return err
	}

	return nil
}

// Encode encodes an UNSUBSCRIBE packet
func (p *UnsubscribePacket) Encode(w io.Writer) error {
	if len(p.TopicFilters) == 0 {
		return ErrEmptyUnsubscribeList
	}

	remainingLength := uint32(2) // Packet ID
	for _, topic := range p.TopicFilters {
		remainingLength += uint32(2 + len(topic))
	}
	if remainingLength > MaxRemainingLength {
		return ErrPayloadTooLarge
	}

	fh := FixedHeader{
		Type:            UNSUBSCRIBE,
		Flags:           0x02, // Reserved flags must be 0010
		RemainingLength: remainingLength,
	}

	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	if err := writeTwoByteInt(w, p.PacketID); err != nil {
		return err
	}

	for _, topic := range p.TopicFilters {
		if err := writeUTF8String(w, topic); err != nil {
			return err
		}
	}

	return nil
}

// Encode encodes an UNSUBACK packet
func (p *UnsubackPacket) Encode(w io.Writer) error {
	return encodePacketIDOnly(w, UNSUBACK, 0, p.PacketID)
}

// Encode encodes a PINGREQ packet
func (p *PingreqPacket) Encode(w io.Writer) error {
	fh := FixedHeader{Type: PINGREQ}
	return fh.EncodeFixedHeader(w)
}

// Encode encodes a PINGRESP packet
func (p *PingrespPacket) Encode(w io.Writer) error {
	fh := FixedHeader{Type: PINGRESP}
	return fh.EncodeFixedHeader(w)
}

// Encode encodes a DISCONNECT packet
func (p *DisconnectPacket) Encode(w io.Writer) error {
	fh := FixedHeader{Type: DISCONNECT}
	return fh.EncodeFixedHeader(w)
}
