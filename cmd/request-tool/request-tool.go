package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/spf13/viper"
	"portal/engine/actors"
	"portal/engine/library"
	"portal/messaging/correlator"
	"portal/messaging/protocol"
	"portal/messaging/relays"
)

// request-tool plays the service side against a running wallet:
//
//	request-tool <npub> auth
//	request-tool <npub> pay <msat> <invoice>
//	request-tool <npub> invoice <msat> <refunded request id>
func main() {
	if len(os.Args) < 3 {
		fmt.Println("usage: request-tool <npub> auth|pay|invoice [msat] [invoice|request id]")
		os.Exit(1)
	}
	conf := viper.New()
	actors.InitConfig(conf)
	actors.SetConfig(conf)

	wallet, err := decodeKey(os.Args[1])
	if err != nil {
		library.LogCLI(err.Error(), 0)
		os.Exit(1)
	}
	t, payload, err := buildRequest(os.Args[2], os.Args[3:])
	if err != nil {
		library.LogCLI(err.Error(), 0)
		os.Exit(1)
	}

	// a throwaway service identity so the tool never touches the wallet key
	sk := nostr.GeneratePrivateKey()
	pk, err := actors.GetPubKey(sk)
	if err != nil {
		library.LogCLI(err.Error(), 0)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	pool := relays.New(relays.NostrDialer{}, relays.OptionsFromConfig(conf))
	defer pool.Close()
	for _, url := range conf.GetStringSlice("relays") {
		if err := pool.Connect(url); err != nil {
			library.LogCLI(err.Error(), 2)
		}
	}
	waitForRelay(ctx, pool)

	responses := correlator.New(sk, pool, conf.GetDuration("requestTimeout"))
	sub := pool.Subscribe(nostr.Filters{{
		Kinds: []int{protocol.KindResponse},
		Tags:  nostr.TagMap{"p": []string{pk}},
	}})
	defer sub.Close()
	go func() {
		for ev := range sub.Events() {
			m, err := protocol.Open(sk, ev)
			if err != nil {
				library.LogCLI(err.Error(), 4)
				continue
			}
			if err := responses.Resolve(m); err != nil {
				library.LogCLI(err.Error(), 4)
			}
		}
	}()

	id, pending, err := responses.Send(ctx, t, wallet, payload)
	if err != nil {
		library.LogCLI(err.Error(), 0)
		os.Exit(1)
	}
	library.LogCLI(fmt.Sprintf("sent %s %s, waiting for an answer", t, id), 4)
	m, err := pending.Wait(ctx)
	if err != nil {
		library.LogCLI(err.Error(), 1)
		os.Exit(1)
	}
	var pretty map[string]any
	if err := json.Unmarshal(m.Payload, &pretty); err != nil {
		library.LogCLI(err.Error(), 1)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Printf("%s\n%s\n", m.Type, out)
}

func decodeKey(s string) (library.Account, error) {
	if len(s) == 64 {
		return s, nil
	}
	prefix, value, err := nip19.Decode(s)
	if err != nil {
		return "", err
	}
	pk, ok := value.(string)
	if prefix != "npub" || !ok {
		return "", library.Kind(library.ErrValidation, "not a public key: "+s)
	}
	return pk, nil
}

func buildRequest(command string, args []string) (protocol.MessageType, any, error) {
	switch command {
	case "auth":
		return protocol.TypeAuthChallenge, protocol.AuthChallenge{
			ServiceName: "request-tool",
			Challenge:   strconv.FormatInt(time.Now().UnixNano(), 36),
		}, nil
	case "pay":
		if len(args) < 2 {
			return "", nil, library.Kind(library.ErrValidation, "pay needs an amount and an invoice")
		}
		msat, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return "", nil, err
		}
		return protocol.TypeSinglePaymentRequest, protocol.SinglePaymentRequest{
			Amount:      msat,
			Currency:    "MSAT",
			Invoice:     args[1],
			ServiceName: "request-tool",
			ExpiresAt:   time.Now().Add(10 * time.Minute).Unix(),
		}, nil
	case "invoice":
		if len(args) < 2 {
			return "", nil, library.Kind(library.ErrValidation, "invoice needs an amount and the refunded request id")
		}
		msat, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return "", nil, err
		}
		return protocol.TypeInvoiceRequest, protocol.InvoiceRequest{
			Amount:          msat,
			Currency:        "MSAT",
			RefundRequestID: args[1],
			Description:     "refund",
		}, nil
	}
	return "", nil, library.Kind(library.ErrValidation, "unknown command "+command)
}

func waitForRelay(ctx context.Context, pool *relays.Pool) {
	for len(pool.Connected()) == 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
}
