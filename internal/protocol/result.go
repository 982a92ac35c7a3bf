package protocol

import (
	"fmt"

	"github.com/jmylchreest/widgetinfo/internal/provider"
)

// resultKey holds the call data in a successful result envelope.
const resultKey = "result"

// ResultPayload wraps a call outcome in the single mapping used by
// transports without a separate error channel: {"result": data} on success,
// the error payload on failure. Call data is never inspected, so a provider
// result may itself carry an "error" key.
func ResultPayload(data map[string]any, err error) map[string]any {
	if err != nil {
		return ErrorPayload(err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return map[string]any{resultKey: data}
}

// SplitResult is the inverse of ResultPayload.
func SplitResult(m map[string]any) (map[string]any, error) {
	if perr, ok := ErrorFromPayload(m); ok {
		return nil, perr
	}
	raw, ok := m[resultKey]
	if !ok {
		return nil, Errorf(CodeMalformedPayload, "", "reply has neither result nor error")
	}
	switch body := raw.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return body, nil
	case provider.Properties:
		return body, nil
	default:
		return nil, Errorf(CodeMalformedPayload, "", "result is %T, not a mapping", raw)
	}
}

// DataFromResult decodes the body of a RequestCurrentProperties result.
func DataFromResult(m map[string]any, ns provider.Namespace) (provider.Data, error) {
	d, err := provider.DataFromMap(m)
	if err != nil {
		return provider.Data{}, NewError(CodeMalformedPayload, ns, err)
	}
	return d, nil
}

// DeviceStateFromResult decodes the body of a RequestCurrentDeviceState
// result.
func DeviceStateFromResult(m map[string]any) (DeviceState, error) {
	sleep, ok1 := m["sleep"].(bool)
	network, ok2 := m["network"].(bool)
	if !ok1 || !ok2 {
		return DeviceState{}, NewError(CodeMalformedPayload, "", fmt.Errorf("device state %v lacks boolean sleep/network", m))
	}
	return DeviceState{Sleep: sleep, Network: network}, nil
}
