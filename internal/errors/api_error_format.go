package errors

import "encoding/json"

func (e *APIError) ToJSON(format ErrorFormat) ([]byte, error) {
	switch format {
	case FormatOpenAI:
		return e.toOpenAIJSON()
	default:
		return e.toClaudeJSON()
	}
}

func (e *APIError) toClaudeJSON() ([]byte, error) {
	errObj := ClaudeError{Type: "error"}
	errObj.Error.Type = string(e.Kind)
	errObj.Error.Message = e.Message
	return json.Marshal(errObj)
}

func (e *APIError) toOpenAIJSON() ([]byte, error) {
	errObj := OpenAIError{}
	errObj.Error.Message = e.Message
	errObj.Error.Type = string(e.Kind)
	errObj.Error.Code = openAICodeFor(e.Kind)
	return json.Marshal(errObj)
}

// openAICodeFor keeps OpenAI-style consumers on familiar code strings while
// the type field carries the taxonomy kind.
func openAICodeFor(kind Kind) string {
	switch kind {
	case KindAuthRequired, KindAuthExpired:
		return "invalid_api_key"
	case KindForbidden:
		return "permission_denied"
	case KindQuotaExceeded, KindConcurrency, KindRateLimited:
		return "rate_limit_exceeded"
	case KindBadRequest:
		return "invalid_request_error"
	case KindContextTooLarge:
		return "context_length_exceeded"
	case KindTimeout:
		return "timeout"
	default:
		return "server_error"
	}
}
