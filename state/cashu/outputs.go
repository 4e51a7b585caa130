package cashu

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/elnosh/gonuts/cashu"
	"github.com/elnosh/gonuts/crypto"
	"portal/engine/library"
)

// blank is the secret and blinding factor behind one output, needed to unblind the mint's signature.
type blank struct {
	amount uint64
	secret string
	r      *btcec.PrivateKey
}

// splitAmount breaks amount into the powers of two a mint has keys for, smallest first.
func splitAmount(amount uint64) []uint64 {
	var parts []uint64
	for bit := uint64(1); amount > 0; bit <<= 1 {
		if amount&bit != 0 {
			parts = append(parts, bit)
			amount &^= bit
		}
	}
	return parts
}

// blindOutputs prepares outputs worth amount in keysetID.
func blindOutputs(keysetID string, amount uint64) (cashu.BlindedMessages, []blank, error) {
	parts := splitAmount(amount)
	outputs := make(cashu.BlindedMessages, 0, len(parts))
	blanks := make([]blank, 0, len(parts))
	for _, a := range parts {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, nil, err
		}
		secret := hex.EncodeToString(b)
		r, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, nil, err
		}
		B_, r, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return nil, nil, err
		}
		outputs = append(outputs, cashu.BlindedMessage{Amount: a, B_: hex.EncodeToString(B_.SerializeCompressed()), Id: keysetID})
		blanks = append(blanks, blank{amount: a, secret: secret, r: r})
	}
	return outputs, blanks, nil
}

// unblind turns the mint's signatures on our outputs into proofs.
func unblind(sigs cashu.BlindedSignatures, blanks []blank, keys map[uint64]*btcec.PublicKey) (cashu.Proofs, error) {
	if len(sigs) != len(blanks) {
		return nil, fmt.Errorf("%w: mint returned %d signatures for %d outputs", library.ErrProtocol, len(sigs), len(blanks))
	}
	proofs := make(cashu.Proofs, 0, len(sigs))
	for i, sig := range sigs {
		if sig.Amount != blanks[i].amount {
			return nil, fmt.Errorf("%w: signature %d is for %d, asked for %d", library.ErrProtocol, i, sig.Amount, blanks[i].amount)
		}
		K, ok := keys[sig.Amount]
		if !ok {
			return nil, fmt.Errorf("%w: mint has no key for %d", library.ErrProtocol, sig.Amount)
		}
		b, err := hex.DecodeString(sig.C_)
		if err != nil {
			return nil, library.Kind(library.ErrProtocol, "blind signature: "+err.Error())
		}
		C_, err := btcec.ParsePubKey(b)
		if err != nil {
			return nil, library.Kind(library.ErrProtocol, "blind signature: "+err.Error())
		}
		C := crypto.UnblindSignature(C_, blanks[i].r, K)
		proofs = append(proofs, cashu.Proof{
			Amount: sig.Amount,
			Id:     sig.Id,
			Secret: blanks[i].secret,
			C:      hex.EncodeToString(C.SerializeCompressed()),
		})
	}
	return proofs, nil
}
