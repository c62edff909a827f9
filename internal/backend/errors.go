package backend

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// APIError is a non-2xx answer from the backend. PostgREST and the auth
// service use different field names; both are understood.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend: %d: %s", e.Status, e.Message)
}

func parseAPIError(status int, body []byte) *APIError {
	e := &APIError{Status: status}
	if gjson.ValidBytes(body) {
		res := gjson.GetManyBytes(body, "message", "msg", "error_description", "code", "error_code", "error")
		e.Message = firstString(res[0], res[1], res[2], res[5])
		e.Code = firstString(res[3], res[4])
		if e.Code == "" && res[5].Exists() && e.Message != res[5].String() {
			e.Code = res[5].String()
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

func firstString(results ...gjson.Result) string {
	for _, r := range results {
		if r.Exists() && r.String() != "" {
			return r.String()
		}
	}
	return ""
}

// IsUnauthorized reports whether err is a 401 from the backend.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}
