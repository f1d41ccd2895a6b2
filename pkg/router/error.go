package router

import (
	"encoding/json"
	"io"
	"net/http"
)

type Error interface {
	error
	StatusCode() int
	Encode(w io.Writer) error
}

// JsonError is encoded as {"error": Err} and sent with status Code.
type JsonError struct {
	Code int    `json:"-"`
	Err  string `json:"error"`
}

func NewJsonError(code int, err string) JsonError {
	return JsonError{
		Code: code,
		Err:  err,
	}
}

func NotFound(err string) JsonError {
	return NewJsonError(http.StatusNotFound, err)
}

func BadRequest(err string) JsonError {
	return NewJsonError(http.StatusBadRequest, err)
}

func (e JsonError) StatusCode() int {
	return e.Code
}

func (e JsonError) Error() string {
	return e.Err
}

func (e JsonError) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(e)
}
