package actors

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr/nip06"
	"github.com/sasha-s/go-deadlock"
	"portal/engine/library"
)

var (
	ErrWalletExists    = library.Kind(library.ErrValidation, "a wallet already exists, reset it first")
	ErrInvalidMnemonic = library.Kind(library.ErrValidation, "invalid seed words")
)

var currentWallet library.Wallet
var currentWalletMutex = &deadlock.Mutex{}

// MyWallet returns the current Wallet or creates a new one if there isn't one already
func MyWallet() library.Wallet {
	currentWalletMutex.Lock()
	defer currentWalletMutex.Unlock()
	if len(currentWallet.PrivateKey) == 0 {
		//try to restore wallet from disk
		if w, ok := getWalletFromDisk(); ok {
			currentWallet = w
		} else {
			library.LogCLI("Generating a new wallet, write down the seed words if you want to keep it", 4)
			w, err := makeNewWallet()
			if err != nil {
				library.LogCLI(err.Error(), 0)
				return library.Wallet{}
			}
			currentWallet = w
			fmt.Printf("\n\n~NEW WALLET~\nPublic Key: %s\nSeed Words: %s\n\n", currentWallet.Account, currentWallet.SeedWords)
			if err := persistCurrentWallet(); err != nil {
				library.LogCLI(err.Error(), 1)
			}
		}
	}
	return currentWallet
}

// HasWallet reports whether an identity key is loaded or stored on disk.
func HasWallet() bool {
	currentWalletMutex.Lock()
	defer currentWalletMutex.Unlock()
	if len(currentWallet.PrivateKey) > 0 {
		return true
	}
	_, ok := getWalletFromDisk()
	return ok
}

// ImportWallet restores the identity key from seed words during onboarding.
func ImportWallet(seedWords string) (library.Wallet, error) {
	seedWords = strings.Join(strings.Fields(seedWords), " ")
	if !nip06.ValidateWords(seedWords) {
		return library.Wallet{}, ErrInvalidMnemonic
	}
	currentWalletMutex.Lock()
	defer currentWalletMutex.Unlock()
	if len(currentWallet.PrivateKey) > 0 {
		return library.Wallet{}, ErrWalletExists
	}
	if _, ok := getWalletFromDisk(); ok {
		return library.Wallet{}, ErrWalletExists
	}
	w, err := walletFromSeedWords(seedWords)
	if err != nil {
		return library.Wallet{}, err
	}
	currentWallet = w
	if err := persistCurrentWallet(); err != nil {
		currentWallet = library.Wallet{}
		return library.Wallet{}, err
	}
	return w, nil
}

// ResetWallet destroys the identity key, in memory and on disk.
func ResetWallet() error {
	currentWalletMutex.Lock()
	defer currentWalletMutex.Unlock()
	currentWallet = library.Wallet{}
	return Remove("wallet", "current")
}

func makeNewWallet() (library.Wallet, error) {
	seedWords, err := nip06.GenerateSeedWords()
	if err != nil {
		return library.Wallet{}, err
	}
	return walletFromSeedWords(seedWords)
}

func walletFromSeedWords(seedWords string) (library.Wallet, error) {
	seed := nip06.SeedFromWords(seedWords)
	sk, err := nip06.PrivateKeyFromSeed(seed)
	if err != nil {
		return library.Wallet{}, err
	}
	pk, err := GetPubKey(sk)
	if err != nil {
		return library.Wallet{}, err
	}
	return library.Wallet{
		PrivateKey: sk,
		SeedWords:  seedWords,
		Account:    pk,
	}, nil
}

// GetPubKey derives the x-only public key for a hex private key.
func GetPubKey(privateKey string) (library.Account, error) {
	keyb, err := hex.DecodeString(privateKey)
	if err != nil {
		return "", fmt.Errorf("error decoding key from hex: %w", err)
	}
	if len(keyb) != 32 {
		return "", errors.New("private key must be 32 bytes")
	}
	_, pubkey := btcec.PrivKeyFromBytes(keyb)
	return hex.EncodeToString(schnorr.SerializePubKey(pubkey)), nil
}

func persistCurrentWallet() error {
	bytes, err := json.Marshal(currentWallet)
	if err != nil {
		return err
	}
	return Write("wallet", "current", bytes)
}

func getWalletFromDisk() (w library.Wallet, ok bool) {
	file, exists, err := Open("wallet", "current")
	if err != nil {
		library.LogCLI(fmt.Sprintf("Error getting wallet file: %s", err.Error()), 2)
		return library.Wallet{}, false
	}
	if !exists {
		return library.Wallet{}, false
	}
	defer file.Close()
	b, err := io.ReadAll(file)
	if err != nil {
		library.LogCLI(fmt.Sprintf("Error reading wallet file: %s", err.Error()), 2)
		return library.Wallet{}, false
	}
	err = json.Unmarshal(b, &w)
	if err != nil {
		library.LogCLI(fmt.Sprintf("Error parsing wallet file: %s", err.Error()), 3)
		return library.Wallet{}, false
	}
	return w, len(w.PrivateKey) == 64
}

