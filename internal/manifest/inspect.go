package manifest

import (
	"strconv"

	"github.com/servalmesh/rhizome/internal/rhizomeid"
)

// Summary is the result of Inspect: just enough of a manifest to decide
// uniqueness and locate the signature blocks, without unpacking every
// field.
type Summary struct {
	BID     rhizomeid.BID
	Version uint64
	BodyLen int // byte offset one past the body's terminating NUL
}

// Inspect scans buf for exactly the id and version fields plus the overall
// body length, without fully parsing every field — the cheap pre-parse
// probe a store uses to decide whether a manifest is worth a full Parse,
// grounded on rhizome_manifest_inspect's Label/Value/Error state machine.
// It returns ok == false on any malformed line, a duplicate id or version
// field, or either field being missing or invalid; callers that get
// ok == false should fall back to Parse for the authoritative error.
func Inspect(buf []byte) (summary Summary, ok bool) {
	const (
		stateLabel = iota
		stateValue
		stateError
	)
	const (
		absent = iota
		pending
		resolved
	)

	state := stateLabel
	hasBID, hasVersion := absent, absent
	begin := 0
	eol := -1

	i := 0
	for ; state != stateError && i < len(buf) && buf[i] != 0; i++ {
		c := buf[i]
		switch state {
		case stateLabel:
			if c != '=' {
				continue
			}
			label := buf[begin:i]
			if err := validateLabel(string(label)); err != nil {
				state = stateError
				break
			}
			switch string(label) {
			case FieldID:
				if hasBID != absent {
					state = stateError
					break
				}
				hasBID = pending
			case FieldVersion:
				if hasVersion != absent {
					state = stateError
					break
				}
				hasVersion = pending
			}
			if state != stateError {
				state = stateValue
				begin = i + 1
				eol = -1
			}

		case stateValue:
			switch {
			case c == '\r' && eol < 0:
				eol = i
			case c == '\n':
				if eol < 0 {
					eol = i
				}
				value := string(buf[begin:eol])
				switch {
				case hasBID == pending:
					bid, consumed, pok := rhizomeid.ParseBID(value)
					if !pok || consumed != len(value) {
						state = stateError
						break
					}
					summary.BID = bid
					hasBID = resolved
				case hasVersion == pending:
					v, err := strconv.ParseUint(value, 10, 64)
					if err != nil {
						state = stateError
						break
					}
					summary.Version = v
					hasVersion = resolved
				}
				if state != stateError {
					state = stateLabel
					begin = i + 1
					eol = -1
				}
			case eol >= 0:
				state = stateError // CR not followed by LF
			}
		}
	}

	if i < len(buf) && buf[i] == 0 {
		i++
	}
	summary.BodyLen = i

	return summary, state == stateLabel && hasBID == resolved && hasVersion == resolved
}
