package library

type Wallet struct {
	PrivateKey string
	SeedWords  string
	Account    Account
}

// Account is a hex encoded x-only public key.
type Account = string

type Sha256 = string

// RequestID identifies a protocol request across the correlator, the ledger and the wire.
type RequestID = string
