package sn

import (
	"bytes"
	"io"
)

// MQTT-SN packet encoders. Each Encode builds the body and then prefixes
// the length header: a single byte when the whole packet fits in 255
// bytes, otherwise 0x01 followed by a 16-bit big-endian length. The
// length value counts the entire packet, the length field included.

// EncodePacket serializes a packet to a byte slice
func EncodePacket(p Packet) ([]byte, error) {
	var buf bytes.Buffer
	if err := p.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeFrame writes the length header, the type byte and the body
func writeFrame(w io.Writer, t PacketType, body []byte) error {
	if len(body) > MaxBodyLength {
		return ErrPacketTooLarge
	}

	var frame []byte
	if len(body)+2 < 256 {
		frame = make([]byte, 0, len(body)+2)
		frame = append(frame, byte(len(body)+2), byte(t))
	} else {
		total := len(body) + 4
		frame = make([]byte, 0, total)
		frame = append(frame, 0x01, byte(total>>8), byte(total), byte(t))
	}
	frame = append(frame, body...)

	_, err := w.Write(frame)
	return err
}

func appendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

// Encode encodes an ADVERTISE packet
func (p *AdvertisePacket) Encode(w io.Writer) error {
	body := appendUint16([]byte{p.GatewayID}, p.Duration)
	return writeFrame(w, ADVERTISE, body)
}

// Encode encodes a SEARCHGW packet
func (p *SearchgwPacket) Encode(w io.Writer) error {
	return writeFrame(w, SEARCHGW, []byte{p.Radius})
}

// Encode encodes a GWINFO packet
func (p *GwinfoPacket) Encode(w io.Writer) error {
	body := append([]byte{p.GatewayID}, p.GatewayAddress...)
	return writeFrame(w, GWINFO, body)
}

// Encode encodes a CONNECT packet
func (p *ConnectPacket) Encode(w io.Writer) error {
	body := []byte{encodeFlags(p.Flags), supportedProtocolID}
	body = appendUint16(body, p.Duration)
	body = append(body, p.ClientID...)
	return writeFrame(w, CONNECT, body)
}

// Encode encodes a CONNACK packet
func (p *ConnackPacket) Encode(w io.Writer) error {
	return writeFrame(w, CONNACK, []byte{byte(p.ReturnCode)})
}

// Encode encodes a WILLTOPICREQ packet
func (p *WilltopicreqPacket) Encode(w io.Writer) error {
	return writeFrame(w, WILLTOPICREQ, nil)
}

// Encode encodes a WILLTOPIC packet; a zero-value packet encodes the
// empty form that deletes the will
func (p *WilltopicPacket) Encode(w io.Writer) error {
	if p.WillTopic == "" {
		return writeFrame(w, WILLTOPIC, nil)
	}
	body := append([]byte{encodeFlags(p.Flags)}, p.WillTopic...)
	return writeFrame(w, WILLTOPIC, body)
}

// Encode encodes a WILLMSGREQ packet
func (p *WillmsgreqPacket) Encode(w io.Writer) error {
	return writeFrame(w, WILLMSGREQ, nil)
}

// Encode encodes a WILLMSG packet
func (p *WillmsgPacket) Encode(w io.Writer) error {
	return writeFrame(w, WILLMSG, p.WillMessage)
}

// Encode encodes a REGISTER packet
func (p *RegisterPacket) Encode(w io.Writer) error {
	body := appendUint16(nil, p.TopicID)
	body = appendUint16(body, p.MessageID)
	body = append(body, p.TopicName...)
	return writeFrame(w, REGISTER, body)
}

// Encode encodes a REGACK packet
func (p *RegackPacket) Encode(w io.Writer) error {
	body := appendUint16(nil, p.TopicID)
	body = appendUint16(body, p.MessageID)
	body = append(body, byte(p.ReturnCode))
	return writeFrame(w, REGACK, body)
}

// Encode encodes a PUBLISH packet
func (p *PublishPacket) Encode(w io.Writer) error {
	if !p.Flags.QoS.IsValid() {
		return ErrInvalidQoS
	}

	body := []byte{encodeFlags(p.Flags)}
	if p.Flags.TopicIDType == TopicIDTypeShort {
		if len(p.ShortTopic) != 2 {
			return ErrShortTopicLength
		}
		body = append(body, p.ShortTopic...)
	} else {
		body = appendUint16(body, p.TopicID)
	}
	body = appendUint16(body, p.MessageID)
	body = append(body, p.Data...)

	return writeFrame(w, PUBLISH, body)
}

// Encode encodes a PUBACK packet
func (p *PubackPacket) Encode(w io.Writer) error {
	body := appendUint16(nil, p.TopicID)
	body = appendUint16(body, p.MessageID)
	body = append(body, byte(p.ReturnCode))
	return writeFrame(w, PUBACK, body)
}

// Encode encodes a PUBCOMP packet
func (p *PubcompPacket) Encode(w io.Writer) error {
	return writeFrame(w, PUBCOMP, appendUint16(nil, p.MessageID))
}

// Encode encodes a PUBREC packet
func (p *PubrecPacket) Encode(w io.Writer) error {
	return writeFrame(w, PUBREC, appendUint16(nil, p.MessageID))
}

// Encode encodes a PUBREL packet
func (p *PubrelPacket) Encode(w io.Writer) error {
	return writeFrame(w, PUBREL, appendUint16(nil, p.MessageID))
}

// encodeTopicRequest builds the shared SUBSCRIBE/UNSUBSCRIBE body
func encodeTopicRequest(f Flags, messageID uint16, topicFilter string, topicID uint16) ([]byte, error) {
	body := []byte{encodeFlags(f)}
	body = appendUint16(body, messageID)

	switch f.TopicIDType {
	case TopicIDTypePredefined:
		body = appendUint16(body, topicID)
	case TopicIDTypeShort:
		if len(topicFilter) != 2 {
			return nil, ErrShortTopicLength
		}
		body = append(body, topicFilter...)
	default:
		body = append(body, topicFilter...)
	}

	return body, nil
}

// Encode encodes a SUBSCRIBE packet
func (p *SubscribePacket) Encode(w io.Writer) error {
	body, err := encodeTopicRequest(p.Flags, p.MessageID, p.TopicFilter, p.TopicID)
	if err != nil {
		return err
	}
	return writeFrame(w, SUBSCRIBE, body)
}

// Encode encodes a SUBACK packet
func (p *SubackPacket) Encode(w io.Writer) error {
	body := []byte{encodeFlags(p.Flags)}
	body = appendUint16(body, p.TopicID)
	body = appendUint16(body, p.MessageID)
	body = append(body, byte(p.ReturnCode))
	return writeFrame(w, SUBACK, body)
}

// Encode encodes an UNSUBSCRIBE packet
func (p *UnsubscribePacket) Encode(w io.Writer) error {
	body, err := encodeTopicRequest(p.Flags, p.MessageID, p.TopicFilter, p.TopicID)
	if err != nil {
		return err
	}
	return writeFrame(w, UNSUBSCRIBE, body)
}

// Encode encodes an UNSUBACK packet
func (p *UnsubackPacket) Encode(w io.Writer) error {
	return writeFrame(w, UNSUBACK, appendUint16(nil, p.MessageID))
}

// Encode encodes a PINGREQ packet
func (p *PingreqPacket) Encode(w io.Writer) error {
	return writeFrame(w, PINGREQ, []byte(p.ClientID))
}

// Encode encodes a PINGRESP packet
func (p *PingrespPacket) Encode(w io.Writer) error {
	return writeFrame(w, PINGRESP, nil)
}

// Encode encodes a DISCONNECT packet; a zero duration encodes the short
// form without a duration field
func (p *DisconnectPacket) Encode(w io.Writer) error {
	if p.Duration == 0 {
		return writeFrame(w, DISCONNECT, nil)
	}
	return writeFrame(w, DISCONNECT, appendUint16(nil, p.Duration))
}

// Encode encodes a WILLTOPICUPD packet
func (p *WilltopicupdPacket) Encode(w io.Writer) error {
	if p.WillTopic == "" {
		return writeFrame(w, WILLTOPICUPD, nil)
	}
	body := append([]byte{encodeFlags(p.Flags)}, p.WillTopic...)
	return writeFrame(w, WILLTOPICUPD, body)
}

// Encode encodes a WILLTOPICRESP packet
func (p *WilltopicrespPacket) Encode(w io.Writer) error {
	return writeFrame(w, WILLTOPICRESP, []byte{byte(p.ReturnCode)})
}

// Encode encodes a WILLMSGUPD packet
func (p *WillmsgupdPacket) Encode(w io.Writer) error {
	return writeFrame(w, WILLMSGUPD, p.WillMessage)
}

// Encode encodes a WILLMSGRESP packet
func (p *WillmsgrespPacket) Encode(w io.Writer) error {
	return writeFrame(w, WILLMSGRESP, []byte{byte(p.ReturnCode)})
}
