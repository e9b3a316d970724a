package peer

import (
	"strconv"
)

// Constraints are negotiation constraints in either the flat shape
// ({offerToReceiveAudio: true}) or the nested legacy shape
// ({mandatory: {OfferToReceiveAudio: true}, optional: [...]}).
type Constraints map[string]any

// Keys understood by the built-in engine
const (
	OfferToReceiveAudio    = "offerToReceiveAudio"
	OfferToReceiveVideo    = "offerToReceiveVideo"
	IceRestart             = "iceRestart"
	VoiceActivityDetection = "voiceActivityDetection"
)

var legacyKeys = map[string]string{
	"OfferToReceiveAudio": OfferToReceiveAudio,
	"OfferToReceiveVideo": OfferToReceiveVideo,
}

// Bool reads a flag, accepting booleans and their string forms
func (c Constraints) Bool(key string) (value bool, ok bool) {
	v, found := c[key]
	if !found {
		return false, false
	}
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(t)
		return b, err == nil
	case int:
		return t != 0, true
	case float64:
		return t != 0, true
	}
	return false, false
}

func (c Constraints) clone() Constraints {
	out := make(Constraints, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// TransformConstraints rewrites c into the shape the engine expects. For a
// modern engine the nested shape is flattened with mandatory values winning
// over optional ones; for a legacy engine the flat shape is wrapped into
// mandatory. The input is never modified.
func TransformConstraints(c Constraints, legacy bool) Constraints {
	if len(c) == 0 {
		return c
	}

	mandatory, hasMandatory := c["mandatory"]
	optional, hasOptional := c["optional"]
	nested := hasMandatory || hasOptional

	switch {
	case nested && !legacy:
		out := Constraints{}
		mergeConstraint(out, optional)
		mergeConstraint(out, mandatory)
		for old, modern := range legacyKeys {
			if v, ok := out[old]; ok {
				out[modern] = v
				delete(out, old)
			}
		}
		return out

	case !nested && legacy:
		inner := c.clone()
		for old, modern := range legacyKeys {
			if v, ok := inner[modern]; ok {
				inner[old] = v
				delete(inner, modern)
			}
		}
		return Constraints{"mandatory": map[string]any(inner)}
	}

	return c
}

// mergeConstraint copies the keys of v into dst. Lists of single-key objects,
// the historical shape of "optional", are merged in order.
func mergeConstraint(dst Constraints, v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			dst[k] = val
		}
	case Constraints:
		for k, val := range t {
			dst[k] = val
		}
	case map[string]bool:
		for k, val := range t {
			dst[k] = val
		}
	case []any:
		for _, item := range t {
			mergeConstraint(dst, item)
		}
	case []map[string]any:
		for _, item := range t {
			mergeConstraint(dst, item)
		}
	}
}
