// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package message maps between AMQP messages and the JSON bodies of bus messages.
//
// A bus body has the sections "body", "properties", "application-properties",
// "message-annotations" and "header". Fields prefixed with "bridge." are used
// by the bridge and never sent over AMQP.
package message

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/TheThingsNetwork/amqp-bridge/types"
)

// JSONContentType is the content type of JSON encoded data sections
const JSONContentType = "application/json"

func section(body map[string]interface{}, name string) map[string]interface{} {
	if s, ok := body[name].(map[string]interface{}); ok {
		return s
	}
	return nil
}

func stringPtr(v interface{}) *string {
	switch v := v.(type) {
	case nil:
		return nil
	case string:
		return &v
	default:
		s := fmt.Sprint(v)
		return &s
	}
}

// AMQP message ids are ulong, uuid, binary or string
func messageID(v interface{}) interface{} {
	switch v := v.(type) {
	case float64:
		if v >= 0 && v == math.Trunc(v) {
			return uint64(v)
		}
		return fmt.Sprint(v)
	case string, uint64:
		return v
	case nil:
		return nil
	default:
		return fmt.Sprint(v)
	}
}

func isBridgeField(key string) bool {
	return strings.HasPrefix(key, "bridge.")
}

// ToAMQP converts the body of a bus message to an AMQP message
func ToAMQP(body map[string]interface{}) (*amqp.Message, error) {
	msg := new(amqp.Message)

	if props := section(body, types.PropertiesField); props != nil {
		msg.Properties = &amqp.MessageProperties{
			MessageID:     messageID(props[types.MessageIDProperty]),
			CorrelationID: messageID(props[types.CorrelationIDProperty]),
			Subject:       stringPtr(props[types.SubjectProperty]),
			ReplyTo:       stringPtr(props[types.ReplyToProperty]),
			To:            stringPtr(props[types.ToProperty]),
			ContentType:   stringPtr(props[types.ContentTypeProperty]),
			GroupID:       stringPtr(props[types.GroupIDProperty]),
		}
	}

	if appProps := section(body, types.ApplicationPropertiesField); appProps != nil {
		msg.ApplicationProperties = make(map[string]interface{}, len(appProps))
		for k, v := range appProps {
			switch v := v.(type) {
			case map[string]interface{}, []interface{}:
				data, err := json.Marshal(v)
				if err != nil {
					return nil, err
				}
				msg.ApplicationProperties[k] = string(data)
			default:
				msg.ApplicationProperties[k] = v
			}
		}
	}

	if annotations := section(body, types.MessageAnnotationsField); annotations != nil {
		msg.Annotations = make(amqp.Annotations, len(annotations))
		for k, v := range annotations {
			msg.Annotations[k] = v
		}
	}

	if header := section(body, types.HeaderField); header != nil {
		msg.Header = new(amqp.MessageHeader)
		if durable, ok := header[types.DurableHeader].(bool); ok {
			msg.Header.Durable = durable
		}
		if priority, ok := header[types.PriorityHeader].(float64); ok {
			msg.Header.Priority = uint8(priority)
		}
		if ttl, ok := header[types.TTLHeader].(float64); ok {
			msg.Header.TTL = time.Duration(ttl) * time.Millisecond
		}
	}

	payload, hasBody := body[types.BodyField]
	if !hasBody {
		rest := make(map[string]interface{})
		for k, v := range body {
			switch k {
			case types.PropertiesField, types.ApplicationPropertiesField, types.MessageAnnotationsField, types.HeaderField:
				continue
			}
			if !isBridgeField(k) {
				rest[k] = v
			}
		}
		if len(rest) == 0 {
			return msg, nil
		}
		payload = rest
	}

	switch payload := payload.(type) {
	case nil:
		msg.Value = nil
	case string, bool, float64:
		msg.Value = payload
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Data = [][]byte{data}
		if msg.Properties == nil {
			msg.Properties = new(amqp.MessageProperties)
		}
		if msg.Properties.ContentType == nil {
			contentType := JSONContentType
			msg.Properties.ContentType = &contentType
		}
	}

	return msg, nil
}

// normalize converts AMQP values to values that can be encoded as JSON
func normalize(v interface{}) interface{} {
	switch v := v.(type) {
	case amqp.UUID:
		return v.String()
	case []byte:
		return string(v)
	case time.Time:
		return v.UnixNano() / int64(time.Millisecond)
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, v := range v {
			m[fmt.Sprint(normalize(k))] = normalize(v)
		}
		return m
	case map[string]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, v := range v {
			m[k] = normalize(v)
		}
		return m
	case []interface{}:
		l := make([]interface{}, len(v))
		for i, v := range v {
			l[i] = normalize(v)
		}
		return l
	default:
		return v
	}
}

// FromAMQP converts an AMQP message to the body of a bus message
func FromAMQP(msg *amqp.Message) map[string]interface{} {
	body := make(map[string]interface{})

	var contentType string
	if props := msg.Properties; props != nil {
		p := make(map[string]interface{})
		if props.MessageID != nil {
			p[types.MessageIDProperty] = normalize(props.MessageID)
		}
		if props.CorrelationID != nil {
			p[types.CorrelationIDProperty] = normalize(props.CorrelationID)
		}
		if props.Subject != nil {
			p[types.SubjectProperty] = *props.Subject
		}
		if props.ReplyTo != nil {
			p[types.ReplyToProperty] = *props.ReplyTo
		}
		if props.To != nil {
			p[types.ToProperty] = *props.To
		}
		if props.ContentType != nil {
			contentType = *props.ContentType
			p[types.ContentTypeProperty] = contentType
		}
		if props.GroupID != nil {
			p[types.GroupIDProperty] = *props.GroupID
		}
		body[types.PropertiesField] = p
	}

	if len(msg.ApplicationProperties) > 0 {
		body[types.ApplicationPropertiesField] = normalize(msg.ApplicationProperties)
	}

	if len(msg.Annotations) > 0 {
		annotations := make(map[string]interface{}, len(msg.Annotations))
		for k, v := range msg.Annotations {
			annotations[fmt.Sprint(normalize(k))] = normalize(v)
		}
		body[types.MessageAnnotationsField] = annotations
	}

	if h := msg.Header; h != nil {
		body[types.HeaderField] = map[string]interface{}{
			types.DurableHeader:  h.Durable,
			types.PriorityHeader: h.Priority,
			types.TTLHeader:      int64(h.TTL / time.Millisecond),
		}
	}

	switch {
	case msg.Value != nil:
		body[types.BodyField] = normalize(msg.Value)
	case len(msg.Data) > 0:
		var data []byte
		for _, d := range msg.Data {
			data = append(data, d...)
		}
		var decoded interface{}
		if contentType == JSONContentType && json.Unmarshal(data, &decoded) == nil {
			body[types.BodyField] = decoded
		} else {
			body[types.BodyField] = string(data)
		}
	case len(msg.Sequence) > 0:
		var sequence []interface{}
		for _, s := range msg.Sequence {
			sequence = append(sequence, normalize(s))
		}
		body[types.BodyField] = sequence
	}

	return body
}

// Property returns a property of the AMQP message as string
func Property(body map[string]interface{}, name string) string {
	props := section(body, types.PropertiesField)
	if props == nil {
		return ""
	}
	if v, ok := props[name]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

// SetProperty sets a property in the body of a bus message
func SetProperty(body map[string]interface{}, name string, value interface{}) {
	props := section(body, types.PropertiesField)
	if props == nil {
		props = make(map[string]interface{})
		body[types.PropertiesField] = props
	}
	props[name] = value
}
