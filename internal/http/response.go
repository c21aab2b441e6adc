package http

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response is the envelope for non-resource endpoints.
type Response struct {
	Status Status `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// PageResponse carries one page of one region, base64 in transit.
type PageResponse struct {
	Region string `json:"region"`
	Index  uint64 `json:"index"`
	Page   string `json:"page"`
}
