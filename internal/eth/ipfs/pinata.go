// Package ipfs pins portal records to Pinata and reads them back through a
// public gateway.
package ipfs

import (
	"context"
	"errors"
	"fmt"

	"github.com/zde37/pinata-go-sdk/pinata"
)

var ErrPinningDisabled = errors.New("pinning service not configured")

// Pinner stores a JSON document content-addressably and returns its CID.
type Pinner interface {
	PinJSON(ctx context.Context, name string, payload any, keyvalues map[string]any) (string, error)
}

type PinataPinner struct {
	client *pinata.Client
}

// NewPinata builds a Pinata-backed Pinner. A JWT takes precedence over the
// API key/secret pair.
func NewPinata(jwt, apiKey, apiSecret string) *PinataPinner {
	var auth *pinata.Auth
	if jwt != "" {
		auth = pinata.NewAuthWithJWT(jwt)
	} else {
		auth = pinata.NewAuth(apiKey, apiSecret, "")
	}
	return &PinataPinner{client: pinata.New(auth)}
}

type pinResult struct {
	cid string
	err error
}

// PinJSON pins payload via pinJSONToIPFS. The SDK call is not context-aware,
// so ctx bounds how long the caller waits for it.
func (p *PinataPinner) PinJSON(ctx context.Context, name string, payload any, keyvalues map[string]any) (string, error) {
	done := make(chan pinResult, 1)
	go func() {
		resp, err := p.client.PinJSON(payload, &pinata.PinOptions{
			PinataMetadata: pinata.PinataMetadata{Name: name, KeyValues: keyvalues},
			PinataOptions:  pinata.Options{CidVersion: 1},
		})
		if err != nil {
			done <- pinResult{err: err}
			return
		}
		done <- pinResult{cid: resp.IpfsHash}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("pin %s: %w", name, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("pin %s: %w", name, res.err)
		}
		if res.cid == "" {
			return "", fmt.Errorf("pin %s: empty IpfsHash in response", name)
		}
		return res.cid, nil
	}
}

// Disabled is the Pinner used when no Pinata credentials are configured.
// Every call fails, which sends callers down their local-only path.
type Disabled struct{}

func (Disabled) PinJSON(context.Context, string, any, map[string]any) (string, error) {
	return "", ErrPinningDisabled
}
