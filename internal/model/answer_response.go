package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"gorm.io/datatypes"
)

// ErrMalformedResponse marks a stored response that does not follow the
// canonical schema. Callers ask the user to re-enter the answer.
var ErrMalformedResponse = errors.New("stored answer is malformed, please re-enter")

// FileMeta 描述已上传的证明材料（上传本身由外部完成）
type FileMeta struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

// AnswerResponse is the only accepted shape of Answer.Response.
type AnswerResponse struct {
	Selected []string   `json:"selected,omitempty"`
	Text     string     `json:"text,omitempty"`
	Files    []FileMeta `json:"files,omitempty"`
}

func (r AnswerResponse) Empty() bool {
	return len(r.Selected) == 0 && strings.TrimSpace(r.Text) == "" && len(r.Files) == 0
}

func (r AnswerResponse) Encode() datatypes.JSON {
	b, _ := json.Marshal(r)
	return datatypes.JSON(b)
}

// DecodeResponse strictly decodes a stored response. A missing value decodes
// to the empty response.
func DecodeResponse(raw []byte) (AnswerResponse, error) {
	var resp AnswerResponse
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return resp, nil
	}
	if trimmed[0] != '{' {
		return resp, ErrMalformedResponse
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&resp); err != nil {
		return AnswerResponse{}, ErrMalformedResponse
	}
	if dec.More() {
		return AnswerResponse{}, ErrMalformedResponse
	}
	for _, f := range resp.Files {
		if f.Key == "" {
			return AnswerResponse{}, ErrMalformedResponse
		}
	}
	return resp, nil
}
