package cashu

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/elnosh/gonuts/cashu"
	"github.com/elnosh/gonuts/crypto"
	"github.com/gin-gonic/gin"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"portal/engine/library"
	"portal/messaging/correlator"
	"portal/messaging/protocol"
	"portal/state/ledger"
)

const keysetID = "009a1f293253e41e"

// testMint signs with one key per power of two and, like a real mint, only swaps balanced transactions.
type testMint struct {
	mu       sync.Mutex
	fee      uint64
	extraFee uint64
	keys     map[uint64]*btcec.PrivateKey
	spent    map[string]bool
	swaps    int
	auth     string
	onSwap   func()
}

func newTestMint(t *testing.T) (*testMint, *httptest.Server) {
	gin.SetMode(gin.TestMode)
	m := &testMint{fee: 100, spent: make(map[string]bool), keys: make(map[uint64]*btcec.PrivateKey)}
	for i := 0; i < 16; i++ {
		amount := uint64(1) << i
		seed := sha256.Sum256([]byte(fmt.Sprintf("test mint key %d", amount)))
		k, _ := btcec.PrivKeyFromBytes(seed[:])
		m.keys[amount] = k
	}
	r := gin.New()
	r.GET("/v1/keysets", func(c *gin.Context) {
		m.mu.Lock()
		defer m.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"keysets": []Keyset{{ID: keysetID, Unit: "sat", Active: true, InputFeePPK: m.fee}}})
	})
	r.GET("/v1/keys/:id", func(c *gin.Context) {
		if c.Param("id") != keysetID {
			c.JSON(http.StatusNotFound, gin.H{"detail": "keyset not found", "code": 12001})
			return
		}
		keys := make(map[string]string, len(m.keys))
		for amount, k := range m.keys {
			keys[strconv.FormatUint(amount, 10)] = hex.EncodeToString(k.PubKey().SerializeCompressed())
		}
		c.JSON(http.StatusOK, gin.H{"keysets": []gin.H{{"id": keysetID, "unit": "sat", "keys": keys}}})
	})
	r.POST("/v1/swap", func(c *gin.Context) {
		var req swapRequest
		if err := c.BindJSON(&req); err != nil {
			return
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		m.swaps++
		m.auth = c.GetHeader("Authorization")
		if m.onSwap != nil {
			m.onSwap()
		}
		var in, out uint64
		for _, p := range req.Inputs {
			if m.spent[p.Secret] {
				c.JSON(http.StatusBadRequest, gin.H{"detail": "Token already spent.", "code": codeProofAlreadyUsed})
				return
			}
			if !m.valid(p) {
				c.JSON(http.StatusBadRequest, gin.H{"detail": "could not verify proofs", "code": 10003})
				return
			}
			in += p.Amount
		}
		for _, o := range req.Outputs {
			out += o.Amount
		}
		fee := (uint64(len(req.Inputs))*m.fee+999)/1000 + m.extraFee
		if in != out+fee {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "inputs do not balance outputs", "code": codeUnbalanced})
			return
		}
		sigs := make(cashu.BlindedSignatures, 0, len(req.Outputs))
		for _, o := range req.Outputs {
			k, ok := m.keys[o.Amount]
			b, err := hex.DecodeString(o.B_)
			if !ok || err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid output", "code": 10002})
				return
			}
			B_, err := btcec.ParsePubKey(b)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid output", "code": 10002})
				return
			}
			C_ := crypto.SignBlindedMessage(B_, k)
			sigs = append(sigs, cashu.BlindedSignature{Amount: o.Amount, C_: hex.EncodeToString(C_.SerializeCompressed()), Id: keysetID})
		}
		for _, p := range req.Inputs {
			m.spent[p.Secret] = true
		}
		c.JSON(http.StatusOK, swapResponse{Signatures: sigs})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return m, srv
}

func (m *testMint) valid(p cashu.Proof) bool {
	k, ok := m.keys[p.Amount]
	if !ok || p.Id != keysetID {
		return false
	}
	b, err := hex.DecodeString(p.C)
	if err != nil {
		return false
	}
	C, err := btcec.ParsePubKey(b)
	if err != nil {
		return false
	}
	return crypto.Verify(p.Secret, k, C)
}

// issue signs proofs the way a wallet minting from m would end up with them.
func (m *testMint) issue(t *testing.T, prefix string, amounts ...uint64) cashu.Proofs {
	t.Helper()
	proofs := make(cashu.Proofs, 0, len(amounts))
	for i, a := range amounts {
		secret := fmt.Sprintf("%s-%d", prefix, i)
		r, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		B_, r, err := crypto.BlindMessage(secret, r)
		require.NoError(t, err)
		C_ := crypto.SignBlindedMessage(B_, m.keys[a])
		C := crypto.UnblindSignature(C_, r, m.keys[a].PubKey())
		proofs = append(proofs, cashu.Proof{Amount: a, Id: keysetID, Secret: secret, C: hex.EncodeToString(C.SerializeCompressed())})
	}
	return proofs
}

func (m *testMint) swapCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.swaps
}

func encodeToken(t *testing.T, mintURL, unit string, proofs ...cashu.Proof) string {
	if proofs == nil {
		proofs = cashu.Proofs{}
	}
	b, err := json.Marshal(map[string]any{
		"token": []map[string]any{{"mint": mintURL, "proofs": proofs}},
		"unit":  unit,
	})
	require.NoError(t, err)
	return "cashuA" + base64.URLEncoding.EncodeToString(b)
}

// ticket is a 10 sat token in two proofs.
func ticket(t *testing.T, m *testMint, mintURL string) string {
	return encodeToken(t, mintURL, "sat", m.issue(t, "secret", 2, 8)...)
}

func newBurner(t *testing.T) (*Engine, *ledger.Ledger) {
	l, err := ledger.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return NewEngine(nil, nil, NewHTTPMint(), l), l
}

func storedAmount(t *testing.T, m *testMint, l *ledger.Ledger, mintURL string) (sum uint64) {
	t.Helper()
	proofs, err := l.Proofs(t.Context(), mintURL, "sat")
	require.NoError(t, err)
	for _, p := range proofs {
		assert.True(t, m.valid(cashu.Proof{Amount: p.Amount, Id: p.KeysetID, Secret: p.Secret, C: p.C}), "proof %s", p.Secret)
		sum += p.Amount
	}
	return
}

func TestBurnTicket(t *testing.T) {
	m, srv := newTestMint(t)
	e, l := newBurner(t)

	claimed, err := e.BurnTicket(t.Context(), srv.URL, "sat", ticket(t, m, srv.URL), "s3cret")
	require.NoError(t, err)
	// 10 sats minus a 1 sat fee for two inputs at 100 ppk
	assert.Equal(t, uint64(9000), claimed)
	assert.Equal(t, "Bearer s3cret", m.auth)
	assert.Equal(t, uint64(9), storedAmount(t, m, l, srv.URL))

	_, err = e.BurnTicket(t.Context(), srv.URL, "sat", ticket(t, m, srv.URL), "")
	assert.ErrorIs(t, err, ErrTokenAlreadySpent)
	assert.Equal(t, 1, m.swapCount())
}

func TestBurnTicketWithoutFee(t *testing.T) {
	m, srv := newTestMint(t)
	m.fee = 0
	e, l := newBurner(t)
	claimed, err := e.BurnTicket(t.Context(), srv.URL+"/", "sat", ticket(t, m, srv.URL), "")
	require.NoError(t, err)
	assert.Equal(t, uint64(10000), claimed)
	assert.Empty(t, m.auth)
	assert.Equal(t, uint64(10), storedAmount(t, m, l, srv.URL+"/"))
}

func TestBurnTicketWorthOnlyTheFee(t *testing.T) {
	m, srv := newTestMint(t)
	m.fee = 1000
	e, _ := newBurner(t)
	token := encodeToken(t, srv.URL, "sat", m.issue(t, "dust", 1)...)
	claimed, err := e.BurnTicket(t.Context(), srv.URL, "sat", token, "")
	require.NoError(t, err)
	assert.Zero(t, claimed)
}

func TestBurnTicketSpentAtMint(t *testing.T) {
	m, srv := newTestMint(t)
	m.spent["secret-1"] = true
	e, l := newBurner(t)

	_, err := e.BurnTicket(t.Context(), srv.URL, "sat", ticket(t, m, srv.URL), "")
	assert.ErrorIs(t, err, ErrTokenAlreadySpent)

	// the second attempt is refused locally
	_, err = e.BurnTicket(t.Context(), srv.URL, "sat", ticket(t, m, srv.URL), "")
	assert.ErrorIs(t, err, ErrTokenAlreadySpent)
	assert.Equal(t, 1, m.swapCount())

	processed, err := l.IsProcessed(t.Context(), tokenKey(t, ticket(t, m, srv.URL), srv.URL))
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestBurnTicketUnbalancedSwapIsNotMarked(t *testing.T) {
	m, srv := newTestMint(t)
	m.extraFee = 1
	e, l := newBurner(t)
	token := ticket(t, m, srv.URL)

	_, err := e.BurnTicket(t.Context(), srv.URL, "sat", token, "")
	assert.ErrorIs(t, err, library.ErrProtocol)
	assert.NotErrorIs(t, err, ErrTokenAlreadySpent)
	processed, err := l.IsProcessed(t.Context(), tokenKey(t, token, srv.URL))
	require.NoError(t, err)
	assert.False(t, processed)

	m.mu.Lock()
	m.extraFee = 0
	m.mu.Unlock()
	claimed, err := e.BurnTicket(t.Context(), srv.URL, "sat", token, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(9000), claimed)
}

func TestBurnTicketReportsLedgerFailure(t *testing.T) {
	m, srv := newTestMint(t)
	e, l := newBurner(t)
	m.onSwap = l.Close

	claimed, err := e.BurnTicket(t.Context(), srv.URL, "sat", ticket(t, m, srv.URL), "")
	assert.ErrorIs(t, err, library.ErrStorage)
	assert.Equal(t, uint64(9000), claimed)
}

func tokenKey(t *testing.T, token, mintURL string) string {
	proofs, err := decodeToken(token, mintURL, "sat")
	require.NoError(t, err)
	return spendKey(proofs)
}

func TestBurnTicketInvalid(t *testing.T) {
	m, srv := newTestMint(t)
	e, _ := newBurner(t)
	tests := map[string]struct {
		token, unit string
	}{
		"garbage":        {"cashuAnotbase64!", "sat"},
		"wrong prefix":   {"cashuBxyz", "sat"},
		"other mint":     {ticket(t, m, "https://mint.example.com"), "sat"},
		"other unit":     {ticket(t, m, srv.URL), "msat"},
		"unknown unit":   {ticket(t, m, srv.URL), "usd"},
		"no proofs":      {encodeToken(t, srv.URL, "sat"), "sat"},
		"unknown keyset": {encodeToken(t, srv.URL, "sat", cashu.Proof{Amount: 1, Id: "00ffffffffffffff", Secret: "x", C: "02"}), "sat"},
		"forged proof":   {encodeToken(t, srv.URL, "sat", cashu.Proof{Amount: 4, Id: keysetID, Secret: "forged", C: m.issue(t, "other", 4)[0].C}), "sat"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := e.BurnTicket(t.Context(), srv.URL, tt.unit, tt.token, "")
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestBurnTicketMintUnreachable(t *testing.T) {
	m, srv := newTestMint(t)
	url := srv.URL
	token := ticket(t, m, url)
	srv.Close()
	e, l := newBurner(t)

	_, err := e.BurnTicket(t.Context(), url, "sat", token, "")
	assert.ErrorIs(t, err, ErrMintUnreachable)
	processed, err := l.IsProcessed(t.Context(), tokenKey(t, token, url))
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestConcurrentBurnsClaimOnce(t *testing.T) {
	m, srv := newTestMint(t)
	e, _ := newBurner(t)
	token := ticket(t, m, srv.URL)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var claimed, spent int
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.BurnTicket(context.Background(), srv.URL, "sat", token, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				claimed++
			case errors.Is(err, ErrTokenAlreadySpent):
				spent++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claimed)
	assert.Equal(t, 5, spent)
	assert.Equal(t, 1, m.swapCount())
}

func TestSplitAmount(t *testing.T) {
	assert.Nil(t, splitAmount(0))
	assert.Equal(t, []uint64{1}, splitAmount(1))
	assert.Equal(t, []uint64{1, 8}, splitAmount(9))
	assert.Equal(t, []uint64{2, 4, 8, 16, 32, 64, 128, 256, 512}, splitAmount(1022))
}

// counterparty answers cashu requests sealed to it.
type counterparty struct {
	t       *testing.T
	sk      string
	wallet  string
	c       *correlator.Correlator
	answer  *protocol.CashuResponse
	request protocol.CashuRequest
}

func (p *counterparty) Publish(ctx context.Context, ev nostr.Event) error {
	m, err := protocol.Open(p.sk, ev)
	require.NoError(p.t, err)
	require.NoError(p.t, m.Decode(&p.request))
	if p.answer == nil {
		return nil
	}
	resp, err := protocol.Respond(p.sk, m, protocol.TypeCashuResponse, *p.answer)
	require.NoError(p.t, err)
	opened, err := protocol.Open(p.wallet, resp)
	require.NoError(p.t, err)
	go p.c.Resolve(opened)
	return nil
}

type connector struct {
	mu   sync.Mutex
	urls []string
}

func (c *connector) Connect(url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.urls = append(c.urls, url)
	return nil
}

func newRequester(t *testing.T, answer *protocol.CashuResponse) (*Engine, *counterparty, *connector) {
	walletSK := nostr.GeneratePrivateKey()
	p := &counterparty{t: t, sk: nostr.GeneratePrivateKey(), wallet: walletSK, answer: answer}
	p.c = correlator.New(walletSK, p, time.Minute)
	conn := &connector{}
	l, err := ledger.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return NewEngine(p.c, conn, NewHTTPMint(), l), p, conn
}

func TestRequestTicketOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		answer protocol.CashuResponse
		want   Outcome
	}{
		{"success", protocol.CashuResponse{Status: protocol.CashuSuccess, Token: "cashuAabc", Reason: "ignored"},
			Outcome{Status: protocol.CashuSuccess, Token: "cashuAabc"}},
		{"insufficient funds", protocol.CashuResponse{Status: protocol.CashuInsufficientFunds, Token: "cashuAabc"},
			Outcome{Status: protocol.CashuInsufficientFunds}},
		{"rejected", protocol.CashuResponse{Status: protocol.CashuRejected, Reason: "not today"},
			Outcome{Status: protocol.CashuRejected, Reason: "not today"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, p, conn := newRequester(t, &tt.answer)
			pk, err := nostr.GetPublicKey(p.sk)
			require.NoError(t, err)

			out, err := e.RequestTicket(t.Context(), pk, []string{"wss://hint.example.com"}, "https://mint.example.com", "sat", 21)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
			assert.Equal(t, protocol.CashuRequest{MintURL: "https://mint.example.com", Unit: "sat", Amount: 21}, p.request)
			assert.Equal(t, []string{"wss://hint.example.com"}, conn.urls)
			assert.Zero(t, p.c.Len())
		})
	}
}

func TestRequestTicketProtocolErrors(t *testing.T) {
	for _, answer := range []protocol.CashuResponse{
		{Status: protocol.CashuSuccess},
		{Status: "maybe"},
	} {
		e, p, _ := newRequester(t, &answer)
		pk, err := nostr.GetPublicKey(p.sk)
		require.NoError(t, err)
		_, err = e.RequestTicket(t.Context(), pk, nil, "https://mint.example.com", "sat", 1)
		assert.Error(t, err)
	}
}

func TestRequestTicketTimeout(t *testing.T) {
	e, p, _ := newRequester(t, nil)
	pk, err := nostr.GetPublicKey(p.sk)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	_, err = e.RequestTicket(ctx, pk, nil, "https://mint.example.com", "sat", 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, p.c.Len())
}

func TestRequestedTicketBurnsForAtMostItsAmount(t *testing.T) {
	m, srv := newTestMint(t)
	for _, amounts := range [][]uint64{{16, 4, 1}, {1}, {8, 8, 4, 1}} {
		var requested uint64
		for _, a := range amounts {
			requested += a
		}
		token := encodeToken(t, srv.URL, "sat", m.issue(t, fmt.Sprintf("ticket-%d-%d", requested, len(amounts)), amounts...)...)
		e, p, _ := newRequester(t, &protocol.CashuResponse{Status: protocol.CashuSuccess, Token: token})
		pk, err := nostr.GetPublicKey(p.sk)
		require.NoError(t, err)

		out, err := e.RequestTicket(t.Context(), pk, nil, srv.URL, "sat", requested)
		require.NoError(t, err)
		require.Equal(t, protocol.CashuSuccess, out.Status)
		claimed, err := e.BurnTicket(t.Context(), srv.URL, "sat", out.Token, "")
		require.NoError(t, err)
		assert.LessOrEqual(t, claimed, requested*1000)
		assert.Equal(t, (requested-(uint64(len(amounts))*100+999)/1000)*1000, claimed)
	}
}
