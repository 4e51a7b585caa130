package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"portal/engine/actors"
	"portal/engine/library"
)

// decode-invoice prints what a bolt11 invoice asks for. With a lightning address and an amount it fetches
// an invoice from the address first.
func main() {
	var invoice string
	switch len(os.Args) {
	case 2:
		invoice = os.Args[1]
	case 3:
		sats, err := strconv.ParseInt(os.Args[2], 10, 64)
		if err != nil {
			library.LogCLI("invalid amount", 1)
			return
		}
		invoice, err = fetch(os.Args[1], sats*1000)
		if err != nil {
			library.LogCLI(err.Error(), 1)
			return
		}
	default:
		fmt.Printf("\nUsage example:\n./decode-invoice lnbc10u1p...\n./decode-invoice alice@getalby.com 5000\n")
		return
	}
	b, err := actors.DecodeInvoice(invoice)
	if err != nil {
		library.LogCLI(err.Error(), 1)
		return
	}
	created := time.Unix(int64(b.CreatedAt), 0)
	fmt.Printf("\nInvoice: %s\nAmount: %d msat\nPayment hash: %s\nPayee: %s\nDescription: %s\nCreated: %s\nExpired: %v\n",
		invoice, b.MSatoshi, b.PaymentHash, b.Payee, b.Description, created.Format(time.RFC3339), actors.InvoiceExpired(b, time.Now()))
}

func fetch(address string, amountMsat int64) (string, error) {
	serviceURL, err := actors.ServiceURL(address)
	if err != nil {
		return "", err
	}
	if strings.Contains(address, "@") {
		if lnurl, ok := actors.Lud16ToLud06(address); ok {
			library.LogCLI("lnurl: "+lnurl, 4)
		}
	}
	res, err := actors.FetchInvoice(context.Background(), serviceURL, amountMsat, "")
	if err != nil {
		return "", err
	}
	return res.Pr, nil
}
