// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package types

// Fields of reply bodies
const (
	ResultField    = "result"
	FailureField   = "failure"
	MessageField   = "message"
	TransientField = "transient"
)

// ResultMessage returns a reply that carries a result
func ResultMessage(address string, result interface{}) *BusMessage {
	body := map[string]interface{}{}
	if result != nil {
		body[ResultField] = result
	}
	return &BusMessage{Address: address, Body: body}
}

// FailureMessage returns a reply that carries a failure. Transient failures
// may succeed when retried.
func FailureMessage(address string, err error, transient bool) *BusMessage {
	return &BusMessage{Address: address, Body: map[string]interface{}{
		FailureField: map[string]interface{}{
			MessageField:   err.Error(),
			TransientField: transient,
		},
	}}
}
