package domain

import (
	"encoding/json"
	"time"
)

// StatusChange describes one status delta of a record. From is zero for a
// newly registered record and To is zero for a removed one.
type StatusChange struct {
	Key    TrackingKey
	SinkID int
	From   Status
	To     Status
	Node   string
	At     time.Time
}

type statusChangeJSON struct {
	Key    TrackingKey `json:"key"`
	SinkID int         `json:"sinkId"`
	From   int         `json:"from"`
	To     int         `json:"to"`
	Node   string      `json:"node"`
	At     time.Time   `json:"at"`
}

// MarshalJSON writes statuses as raw codes, 0 standing for "none".
func (c StatusChange) MarshalJSON() ([]byte, error) {
	return json.Marshal(statusChangeJSON{
		Key: c.Key, SinkID: c.SinkID, From: int(c.From), To: int(c.To), Node: c.Node, At: c.At,
	})
}

func (c *StatusChange) UnmarshalJSON(data []byte) error {
	var raw statusChangeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := StatusChange{Key: raw.Key, SinkID: raw.SinkID, Node: raw.Node, At: raw.At}
	var err error
	if raw.From != 0 {
		if out.From, err = StatusFromCode(raw.From); err != nil {
			return err
		}
	}
	if raw.To != 0 {
		if out.To, err = StatusFromCode(raw.To); err != nil {
			return err
		}
	}
	*c = out
	return nil
}
