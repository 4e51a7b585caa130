package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sasha-s/go-deadlock"
	"github.com/spf13/viper"
	"portal/engine/actors"
	"portal/engine/library"
	"portal/messaging/correlator"
	"portal/messaging/eventconductor"
	"portal/messaging/relays"
	"portal/state/cashu"
	"portal/state/handshake"
	"portal/state/ledger"
	"portal/state/payments"
)

func main() {
	// PORTAL_* variables can be kept in a .env file next to the binary
	if err := godotenv.Load(); err != nil {
		library.LogCLI("no .env file loaded", 5)
	}
	conf := viper.New()
	actors.InitConfig(conf)
	actors.SetConfig(conf)

	wallet := actors.MyWallet()
	if len(wallet.PrivateKey) == 0 {
		library.LogCLI("no identity key available", 0)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := ledger.OpenFromConfig(ctx, conf)
	if err != nil {
		library.LogCLI(err.Error(), 0)
		return
	}
	defer l.Close()

	pool := relays.New(relays.NostrDialer{}, relays.OptionsFromConfig(conf))
	defer pool.Close()
	for _, url := range conf.GetStringSlice("relays") {
		if err := pool.Connect(url); err != nil {
			library.LogCLI(err.Error(), 2)
		}
	}
	go logRelayChanges(ctx, pool)

	responses := correlator.New(wallet.PrivateKey, pool, conf.GetDuration("requestTimeout"))
	handshakes, err := handshake.New(wallet.PrivateKey, pool, conf.GetDuration("handshakeTimeout"))
	if err != nil {
		library.LogCLI(err.Error(), 0)
		return
	}
	conductor := eventconductor.New(wallet.PrivateKey, pool, responses, handshakes)
	conductor.Start(ctx, pool.Subscribe(eventconductor.Filters(wallet.Account)).Events())

	backend, err := lightningBackend(ctx, conf, pool)
	if err != nil {
		library.LogCLI(err.Error(), 0)
		return
	}
	p := &portal{
		conf:       conf,
		ledger:     l,
		pool:       pool,
		responses:  responses,
		handshakes: handshakes,
		payments:   payments.NewEngine(l, backend),
		tickets:    cashu.NewEngine(responses, pool, cashu.NewHTTPMint(), l),
		approvals:  newApprovals(),
		mu:         &deadlock.Mutex{},
	}
	p.payments.OnChange(func(a ledger.Activity) {
		library.LogCLI(fmt.Sprintf("Activity %s (%s) from %s is %s", a.ID, a.Type, a.ServiceName, a.Status), 3)
	})
	go p.serveRequests(ctx, conductor.Requests())

	interrupt := make(chan struct{})
	go cliListener(ctx, p, interrupt)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-interrupt:
	case <-signals:
	}
	library.LogCLI("Shutting down", 4)
	cancel()
	actors.Shutdown()
}

// lightningBackend pays through nostr wallet connect and creates invoices from the lightning address when
// one is configured, otherwise through the wallet.
func lightningBackend(ctx context.Context, conf *viper.Viper, pool *relays.Pool) (payments.LightningBackend, error) {
	lnurl := payments.LNURLBackend{Address: conf.GetString("lightningAddress")}
	uri := conf.GetString("nwcURI")
	if len(uri) == 0 {
		library.LogCLI("nwcURI is not set, payments will be refused", 2)
		return lnurl, nil
	}
	cfg, err := payments.ParseNWCURI(uri)
	if err != nil {
		return nil, err
	}
	if err := pool.Connect(cfg.Relay); err != nil {
		return nil, err
	}
	sub := pool.Subscribe(cfg.Filters())
	nwc := payments.NewNWCBackend(ctx, cfg, pool, sub.Events(), conf.GetDuration("requestTimeout"))
	if len(lnurl.Address) == 0 {
		return nwc, nil
	}
	return payments.Split(nwc, lnurl), nil
}

func logRelayChanges(ctx context.Context, pool *relays.Pool) {
	for c := range pool.Watch(ctx) {
		library.LogCLI(fmt.Sprintf("%s is %s", c.URL, c.Status), 4)
	}
}
