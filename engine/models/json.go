package models

import "encoding/json"

// routeAttributesWire mirrors RouteAttributes' known fields for
// marshaling purposes; it exists so MarshalJSON/UnmarshalJSON can
// delegate to the compiler-generated codec instead of hand-listing every
// field twice.
type routeAttributesWire RouteAttributes

var knownRouteAttributeKeys = map[string]struct{}{
	"path": {}, "next_hop": {}, "originator_id": {}, "cluster_list": {},
	"local_pref": {}, "med": {}, "qos_supported": {},
	"capacity": {}, "health": {}, "cost": {}, "predictability": {}, "overhead": {},
	"communities": {}, "security_groups": {}, "regions": {}, "valid_until": {},
}

// UnmarshalJSON decodes the known fields normally, then stashes any
// unrecognized top-level key into Extra so a round trip through an older
// binary doesn't silently drop a newer peer's additions.
func (a *RouteAttributes) UnmarshalJSON(data []byte) error {
	var wire routeAttributesWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	extra := make(map[string]json.RawMessage)
	for k, v := range raw {
		if _, known := knownRouteAttributeKeys[k]; !known {
			extra[k] = v
		}
	}
	wire.Extra = extra
	*a = RouteAttributes(wire)
	return nil
}

// MarshalJSON emits the known fields plus whatever was preserved in
// Extra, merged at the top level.
func (a RouteAttributes) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(routeAttributesWire(a))
	if err != nil {
		return nil, err
	}
	if len(a.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range a.Extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}
