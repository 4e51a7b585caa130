package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/eiannone/keyboard"
	"portal/engine/actors"
	"portal/engine/library"
)

var stdin = bufio.NewReader(os.Stdin)

func prompt(question string) []string {
	fmt.Print(question + ": ")
	line, err := stdin.ReadString('\n')
	if err != nil {
		library.LogCLI(err.Error(), 2)
		return nil
	}
	return strings.Fields(line)
}

// cliListener listens for keypresses and executes commands.
func cliListener(ctx context.Context, p *portal, interrupt chan struct{}) {
	fmt.Println("h: new handshake url\ny/n: approve or decline the oldest request\nm: make invoice\nl: look up the last invoice\nt: request a cashu ticket\nb: burn a cashu ticket\ne: ecash kept from burns\nr: relays\na: recent activity\ns: subscriptions\np: pending requests\nw: current wallet\nc: engine config\nq: to quit")
	for {
		r, k, err := keyboard.GetSingleKey()
		if err != nil {
			library.LogCLI(err.Error(), 1)
			close(interrupt)
			return
		}
		str := string(r)
		switch str {
		default:
			if k == keyboard.KeyEnter {
				fmt.Println("\n-----------------------------------")
				break
			}
			if r == 0 {
				break
			}
			fmt.Println("Key " + str + " is not bound to anything. See cliListener.go for more details.")
		case "q":
			close(interrupt)
			return
		case "h":
			p.newHandshake(ctx)
		case "y", "n":
			if !p.approvals.answer(str == "y") {
				fmt.Println("nothing waiting for approval")
			}
		case "m":
			args := prompt("amount in sats")
			if len(args) != 1 {
				break
			}
			sats, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				library.LogCLI("invalid amount", 2)
				break
			}
			p.makeInvoice(ctx, sats*1000)
		case "l":
			p.lookupLastInvoice(ctx)
		case "t":
			args := prompt("identity mint_url unit amount")
			if len(args) != 4 {
				break
			}
			amount, err := strconv.ParseUint(args[3], 10, 64)
			if err != nil {
				library.LogCLI("invalid amount", 2)
				break
			}
			go func() {
				out, err := p.tickets.RequestTicket(ctx, args[0], p.conf.GetStringSlice("relays"), args[1], args[2], amount)
				if err != nil {
					library.LogCLI(err.Error(), 2)
					return
				}
				fmt.Printf("\nTicket request %s\ntoken: %s\nreason: %s\n", out.Status, out.Token, out.Reason)
			}()
		case "b":
			args := prompt("mint_url unit token")
			if len(args) != 3 {
				break
			}
			claimed, err := p.tickets.BurnTicket(ctx, args[0], args[1], args[2], p.conf.GetString("mintAuthToken"))
			if err != nil {
				library.LogCLI(err.Error(), 2)
			}
			if claimed > 0 {
				fmt.Printf("\nClaimed %d msat\n", claimed)
			}
		case "e":
			args := prompt("mint_url unit")
			if len(args) != 2 {
				break
			}
			proofs, err := p.ledger.Proofs(ctx, args[0], args[1])
			if err != nil {
				library.LogCLI(err.Error(), 2)
				break
			}
			var total uint64
			for _, pr := range proofs {
				total += pr.Amount
			}
			fmt.Printf("\n%d %s in %d proofs\n", total, args[1], len(proofs))
		case "r":
			for url, status := range p.pool.Statuses() {
				fmt.Printf("%s: %s\n", url, status)
			}
		case "a":
			activities, err := p.ledger.Activities(ctx, 20)
			if err != nil {
				library.LogCLI(err.Error(), 2)
				break
			}
			for _, a := range activities {
				fmt.Printf("\n%s %s %s\n%d %s %s\ninvoice: %s\n", a.CreatedAt.Format("2006-01-02 15:04"), a.Type, name(a.ServiceName, a.ServiceKey), a.Amount, a.Currency, a.Status, a.Invoice)
			}
		case "s":
			subs, err := p.ledger.Subscriptions(ctx)
			if err != nil {
				library.LogCLI(err.Error(), 2)
				break
			}
			for _, s := range subs {
				fmt.Printf("\n%s %s: %d %s %s, %d payments made\n", s.ID, name(s.ServiceName, s.ServiceKey), s.Amount, s.Currency, s.Calendar, s.PaymentsMade)
			}
		case "p":
			for e := range p.responses.Pending() {
				fmt.Printf("%s %s to %s since %s\n", e.ID, e.Type, e.Recipient, e.Timestamp.Format("15:04:05"))
			}
		case "w":
			fmt.Printf("Current Wallet: \n%s\n", actors.MyWallet().Account)
		case "c":
			fmt.Println("CURRENT CONFIG")
			for k, v := range actors.MakeOrGetConfig().AllSettings() {
				fmt.Printf("\nKey: %s; Value: %v\n", k, v)
			}
		}
	}
}
