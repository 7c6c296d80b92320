package dpop

import (
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// SignRequest adds a DPoP proof for the request to its headers.
func SignRequest(request *http.Request, privateKey jwk.Key, nonce string) error {
	token, err := NewToken(
		NewTokenId(),
		request.Method,
		request.URL.String(),
		time.Now(),
		"",
		nonce,
	)
	if err != nil {
		return err
	}

	signed, err := SignToken(token, privateKey)
	if err != nil {
		return err
	}

	request.Header.Set(DPoPHeaderName, string(signed))

	return nil
}
