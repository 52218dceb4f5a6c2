package binance

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adshao/go-binance/v2/common"
)

// TransportError means the request never produced an HTTP response.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UnexpectedStatusError is a non-success HTTP response. Status is zero when the
// exchange reported an API error without exposing the HTTP status.
type UnexpectedStatusError struct {
	Status int
	URL    string
	Body   string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s: %s", e.Status, e.URL, e.Body)
}

// UnexpectedContentError is a response body that does not match the expected schema.
type UnexpectedContentError struct {
	URL string
	Err error
}

func (e *UnexpectedContentError) Error() string {
	return fmt.Sprintf("unexpected content from %s: %v", e.URL, e.Err)
}

func (e *UnexpectedContentError) Unwrap() error { return e.Err }

// RowParseError rejects one kline row. It fails the whole page.
type RowParseError struct {
	Row   int
	Field string
	Err   error
}

func (e *RowParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("kline row %d: %v", e.Row, e.Err)
	}
	return fmt.Sprintf("kline row %d field %s: %v", e.Row, e.Field, e.Err)
}

func (e *RowParseError) Unwrap() error { return e.Err }

var errNotEnoughFields = errors.New("not enough fields")

// classifyAPIError maps errors from the go-binance services onto the taxonomy above.
func classifyAPIError(url string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return &UnexpectedStatusError{URL: url, Body: fmt.Sprintf("code=%d msg=%s", apiErr.Code, apiErr.Message)}
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return &UnexpectedContentError{URL: url, Err: err}
	}
	return &TransportError{URL: url, Err: err}
}
