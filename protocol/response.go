package protocol

import (
	"github.com/tuneinsight/drivacy/field"
	"github.com/tuneinsight/drivacy/wire"
)

// ProcessResponse applies party p's inverse transformation to an incoming
// Response, re-adding the mask retained in qs from the matching
// ProcessQuery call. Never called at party N, which produces the seed
// Response directly in ProcessQuery rather than consuming one.
func ProcessResponse(incoming wire.Response, qs wire.QueryState) wire.Response {
	return wire.NewResponse(field.Add(incoming.Element(), qs.Element()))
}
