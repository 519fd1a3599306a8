// -----------------------------------------------------------------------
// Executor State - versioned opaque state envelope for batch plugins
// -----------------------------------------------------------------------

package executor

import (
	"encoding/json"
	"fmt"

	"github.com/ternarybob/conductor/internal/models"
)

// stateVersion is bumped when the envelope shape changes. Plugins own
// their own encoding inside the payload.
const stateVersion = 1

// envelope wraps plugin state so the orchestrator can carry it between
// ticks without interpreting it. The protocol name guards against a
// cache entry being replayed into the wrong backend.
type envelope struct {
	Version  int             `json:"v"`
	Protocol string          `json:"protocol"`
	Payload  json.RawMessage `json:"payload"`
}

// WrapState serializes plugin payload into a versioned state blob
func WrapState(protocol string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode executor state: %w", err)
	}
	out, err := json.Marshal(&envelope{Version: stateVersion, Protocol: protocol, Payload: data})
	if err != nil {
		return nil, fmt.Errorf("failed to encode executor state envelope: %w", err)
	}
	return out, nil
}

// UnwrapState deserializes a state blob for the named protocol
func UnwrapState(state []byte, protocol string, payload interface{}) error {
	var env envelope
	if err := json.Unmarshal(state, &env); err != nil {
		return models.WrapError(models.ErrCacheCorruption, "executor state cannot be deserialized", err)
	}
	if env.Version != stateVersion {
		return models.NewErrorf(models.ErrCacheCorruption, "unsupported executor state version %d", env.Version)
	}
	if env.Protocol != protocol {
		return models.NewErrorf(models.ErrInternal, "executor state belongs to protocol %q, not %q", env.Protocol, protocol)
	}
	if err := json.Unmarshal(env.Payload, payload); err != nil {
		return models.WrapError(models.ErrCacheCorruption, "executor state payload cannot be deserialized", err)
	}
	return nil
}
