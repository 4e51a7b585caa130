package cashu

import (
	"fmt"
	"sort"
	"strings"

	"github.com/elnosh/gonuts/cashu"
	"portal/engine/library"
)

// unitFactor converts one unit of a mint amount to millisatoshis.
func unitFactor(unit string) (uint64, error) {
	switch strings.ToLower(unit) {
	case "sat":
		return 1000, nil
	case "msat":
		return 1, nil
	}
	return 0, fmt.Errorf("%w: unsupported unit %q", ErrInvalidToken, unit)
}

func sameMint(a, b string) bool {
	return strings.TrimSuffix(strings.ToLower(a), "/") == strings.TrimSuffix(strings.ToLower(b), "/")
}

// decodeToken returns the proofs of a serialized token, which must be entirely from mintURL in unit.
func decodeToken(token, mintURL, unit string) (cashu.Proofs, error) {
	t, err := cashu.DecodeToken(strings.TrimSpace(token))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err.Error())
	}
	if len(t.Unit) > 0 && !strings.EqualFold(t.Unit, unit) {
		return nil, fmt.Errorf("%w: token is in %s, expected %s", ErrInvalidToken, t.Unit, unit)
	}
	var proofs cashu.Proofs
	for _, tp := range t.Token {
		if !sameMint(tp.Mint, mintURL) {
			return nil, fmt.Errorf("%w: token is from %s, expected %s", ErrInvalidToken, tp.Mint, mintURL)
		}
		proofs = append(proofs, tp.Proofs...)
	}
	if len(proofs) == 0 {
		return nil, fmt.Errorf("%w: token has no proofs", ErrInvalidToken)
	}
	return proofs, nil
}

// spendKey identifies a token by its proof secrets, so a re-encoded token is the same token.
func spendKey(proofs cashu.Proofs) string {
	secrets := make([]string, 0, len(proofs))
	for _, p := range proofs {
		secrets = append(secrets, p.Secret)
	}
	sort.Strings(secrets)
	return "cashu:" + library.Sha256Sum(strings.Join(secrets, "\n"))
}

func total(proofs cashu.Proofs) (sum uint64) {
	for _, p := range proofs {
		sum += p.Amount
	}
	return
}

// inputFee is the NUT-02 fee for spending proofs: the per-keyset ppk summed over inputs, rounded up.
func inputFee(proofs cashu.Proofs, keysets []Keyset) (uint64, error) {
	fees := make(map[string]uint64, len(keysets))
	for _, k := range keysets {
		fees[k.ID] = k.InputFeePPK
	}
	var ppk uint64
	for _, p := range proofs {
		fee, ok := fees[p.Id]
		if !ok {
			return 0, fmt.Errorf("%w: unknown keyset %s", ErrInvalidToken, p.Id)
		}
		ppk += fee
	}
	return (ppk + 999) / 1000, nil
}
