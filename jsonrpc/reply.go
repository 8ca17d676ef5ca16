package jsonrpc

import (
	"context"
)

// Status is the outcome handed to a transport.
type Status int

const (
	// StatusOK carries a payload with at least one successful response.
	StatusOK Status = iota
	// StatusFault carries a well-formed payload that reports failure.
	StatusFault
	// StatusEmpty means nothing is to be sent back.
	StatusEmpty
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFault:
		return "fault"
	case StatusEmpty:
		return "empty"
	}
	return "unknown"
}

// Reply is what a runtime hands to its transport for one inbound payload.
// Code is the fault code when Status is StatusFault.
type Reply struct {
	Status Status
	Code   int
	Body   []byte
}

// PayloadHandler is implemented by the runtimes. Transports call
// ServePayload once per received payload.
type PayloadHandler interface {
	ServePayload(ctx context.Context, data []byte) Reply
}

// EmptyReply is returned for notifications and all-notification batches.
var EmptyReply = Reply{Status: StatusEmpty}

// EncodeReply frames responses for a transport. A nil or empty slice gives
// EmptyReply. A batch is a fault only if every member failed. A response that
// cannot be encoded is replaced by an internal-error fault for the same id.
func EncodeReply(cfg *Config, responses []*Response, batch bool) Reply {
	if len(responses) == 0 {
		return EmptyReply
	}
	body, err := encodeAll(cfg, responses, batch)
	if err != nil {
		cfg.logger().Error("jsonrpc: encode reply", "error", err)
		for i, r := range responses {
			if _, err := EncodeResponse(cfg, r); err != nil {
				responses[i] = faultResponse(r.Version, r.ID, &Fault{Code: CodeInternalError, Message: "Internal error", Data: err.Error()})
			}
		}
		if body, err = encodeAll(cfg, responses, batch); err != nil {
			return Reply{Status: StatusFault, Code: CodeInternalError}
		}
	}

	reply := Reply{Status: StatusOK, Body: body}
	for _, r := range responses {
		if r.Fault == nil {
			return reply
		}
	}
	reply.Status = StatusFault
	reply.Code = responses[0].Fault.Code
	return reply
}

// FaultReply frames a single fault response, e.g. a parse error.
func FaultReply(cfg *Config, r *Response) Reply {
	return EncodeReply(cfg, []*Response{r}, false)
}

func encodeAll(cfg *Config, responses []*Response, batch bool) ([]byte, error) {
	if batch {
		return EncodeResponses(cfg, responses)
	}
	return EncodeResponse(cfg, responses[0])
}
