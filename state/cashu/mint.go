package cashu

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/elnosh/gonuts/cashu"
	"portal/engine/library"
)

// NUT error codes the engine tells apart.
const (
	codeProofAlreadyUsed = 11001
	codeUnbalanced       = 11002
)

// Keyset is one entry of a mint's GET /v1/keysets.
type Keyset struct {
	ID          string `json:"id"`
	Unit        string `json:"unit"`
	Active      bool   `json:"active"`
	InputFeePPK uint64 `json:"input_fee_ppk"`
}

// Mint is the part of a Cashu mint the ticket engine talks to.
type Mint interface {
	Keysets(ctx context.Context, mintURL string) ([]Keyset, error)
	// Keys returns the public key the mint signs each amount with in keysetID.
	Keys(ctx context.Context, mintURL, keysetID string) (map[uint64]*btcec.PublicKey, error)
	// Swap redeems inputs for blind signatures on outputs. Inputs must equal outputs plus the input fee.
	Swap(ctx context.Context, mintURL, authToken string, inputs cashu.Proofs, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error)
}

// HTTPMint speaks the NUT v1 REST api. Requests carry the caller's context and an optional bearer token,
// which the gonuts wallet client does not take.
type HTTPMint struct {
	Client *http.Client
}

func NewHTTPMint() *HTTPMint {
	return &HTTPMint{Client: &http.Client{Timeout: 20 * time.Second}}
}

type mintError struct {
	Detail string `json:"detail"`
	Code   int    `json:"code"`
}

type swapRequest struct {
	Inputs  cashu.Proofs          `json:"inputs"`
	Outputs cashu.BlindedMessages `json:"outputs"`
}

type swapResponse struct {
	Signatures cashu.BlindedSignatures `json:"signatures"`
}

type keysResponse struct {
	Keysets []struct {
		ID   string            `json:"id"`
		Unit string            `json:"unit"`
		Keys map[uint64]string `json:"keys"`
	} `json:"keysets"`
}

func (m *HTTPMint) Keysets(ctx context.Context, mintURL string) ([]Keyset, error) {
	var res struct {
		Keysets []Keyset `json:"keysets"`
	}
	if err := m.do(ctx, http.MethodGet, mintURL, "/v1/keysets", "", nil, &res); err != nil {
		return nil, err
	}
	return res.Keysets, nil
}

func (m *HTTPMint) Keys(ctx context.Context, mintURL, keysetID string) (map[uint64]*btcec.PublicKey, error) {
	var res keysResponse
	if err := m.do(ctx, http.MethodGet, mintURL, "/v1/keys/"+url.PathEscape(keysetID), "", nil, &res); err != nil {
		return nil, err
	}
	for _, ks := range res.Keysets {
		if ks.ID != keysetID {
			continue
		}
		keys := make(map[uint64]*btcec.PublicKey, len(ks.Keys))
		for amount, k := range ks.Keys {
			b, err := hex.DecodeString(k)
			if err != nil {
				return nil, library.Kind(library.ErrProtocol, "mint key: "+err.Error())
			}
			pub, err := btcec.ParsePubKey(b)
			if err != nil {
				return nil, library.Kind(library.ErrProtocol, "mint key: "+err.Error())
			}
			keys[amount] = pub
		}
		return keys, nil
	}
	return nil, fmt.Errorf("%w: mint did not return keyset %s", library.ErrProtocol, keysetID)
}

func (m *HTTPMint) Swap(ctx context.Context, mintURL, authToken string, inputs cashu.Proofs, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	if outputs == nil {
		outputs = cashu.BlindedMessages{}
	}
	var res swapResponse
	if err := m.do(ctx, http.MethodPost, mintURL, "/v1/swap", authToken, swapRequest{Inputs: inputs, Outputs: outputs}, &res); err != nil {
		return nil, err
	}
	return res.Signatures, nil
}

func (m *HTTPMint) do(ctx context.Context, method, mintURL, path, authToken string, body, into any) error {
	defer library.ValidateSaneExecutionTime()()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(mintURL, "/")+path, reader)
	if err != nil {
		return library.Kind(library.ErrValidation, "invalid mint url: "+err.Error())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if len(authToken) > 0 {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	resp, err := m.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMintUnreachable, err.Error())
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMintUnreachable, err.Error())
	}
	if resp.StatusCode >= 400 {
		var me mintError
		if err := json.Unmarshal(b, &me); err == nil && me.Code != 0 {
			switch me.Code {
			case codeProofAlreadyUsed:
				return fmt.Errorf("%w: %s", ErrTokenAlreadySpent, me.Detail)
			case codeUnbalanced:
				return fmt.Errorf("%w: mint error %d: %s", library.ErrProtocol, me.Code, me.Detail)
			}
			return fmt.Errorf("%w: mint error %d: %s", ErrInvalidToken, me.Code, me.Detail)
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %s returned %d", ErrMintUnreachable, path, resp.StatusCode)
		}
		return fmt.Errorf("%w: %s returned %d", library.ErrProtocol, path, resp.StatusCode)
	}
	if into == nil {
		return nil
	}
	if err := json.Unmarshal(b, into); err != nil {
		return library.Kind(library.ErrProtocol, "mint response: "+err.Error())
	}
	return nil
}
