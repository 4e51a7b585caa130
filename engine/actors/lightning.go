package actors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fiatjaf/go-lnurl"
	decodepay "github.com/nbd-wtf/ln-decodepay"
	"portal/engine/library"
)

// HTTPClient is used for every LNURL round trip.
var HTTPClient = &http.Client{Timeout: 15 * time.Second}

func DecodeInvoice(invoice string) (b decodepay.Bolt11, e error) {
	bolt11, err := decodepay.Decodepay(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(invoice)), "lightning:"))
	if err != nil {
		return b, err
	}
	return bolt11, nil
}

// InvoiceExpired reports whether a decoded invoice is past its expiry at now.
func InvoiceExpired(b decodepay.Bolt11, now time.Time) bool {
	expiry := int64(b.Expiry)
	if expiry == 0 {
		expiry = 3600
	}
	return now.Unix() > int64(b.CreatedAt)+expiry
}

type LNServicePayResponse struct {
	Callback       string `json:"callback"`
	MaxSendable    int64  `json:"maxSendable"`
	MinSendable    int64  `json:"minSendable"`
	Metadata       string `json:"metadata"`
	Tag            string `json:"tag"`
	CommentAllowed int64  `json:"commentAllowed"`
	LSPubkey       string `json:"nostrPubkey"`
	Status         string `json:"status"`
	Reason         string `json:"reason"`
}

type LNServiceInvoice struct {
	Pr     string     `json:"pr"`
	Routes []struct{} `json:"routes"`
	Verify string     `json:"verify"`
	Status string     `json:"status"`
	Reason string     `json:"reason"`
}

// LNServiceVerify is the LUD-21 verify response.
type LNServiceVerify struct {
	Status   string `json:"status"`
	Settled  bool   `json:"settled"`
	Preimage string `json:"preimage"`
	Pr       string `json:"pr"`
	Reason   string `json:"reason"`
}

// GetLNServiceResponse fetches the LNURL-pay parameters from a service url.
func GetLNServiceResponse(ctx context.Context, serviceURL string) (l LNServicePayResponse, e error) {
	if err := getJSON(ctx, serviceURL, &l); err != nil {
		return l, err
	}
	if l.Status == "ERROR" {
		return l, library.Kind(library.ErrProtocol, "lnurl service: "+l.Reason)
	}
	if l.Tag != "payRequest" || len(l.Callback) == 0 {
		return l, library.Kind(library.ErrProtocol, "lnurl service did not return a pay request")
	}
	return l, nil
}

// FetchInvoice asks an LNURL-pay service for an invoice of amountMsat millisatoshis.
func FetchInvoice(ctx context.Context, serviceURL string, amountMsat int64, comment string) (LNServiceInvoice, error) {
	service, err := GetLNServiceResponse(ctx, serviceURL)
	if err != nil {
		return LNServiceInvoice{}, err
	}
	if amountMsat < service.MinSendable || (service.MaxSendable > 0 && amountMsat > service.MaxSendable) {
		return LNServiceInvoice{}, library.Kind(library.ErrValidation,
			fmt.Sprintf("amount %d msat outside service range %d-%d", amountMsat, service.MinSendable, service.MaxSendable))
	}
	callback, err := url.Parse(service.Callback)
	if err != nil {
		return LNServiceInvoice{}, library.Kind(library.ErrProtocol, "invalid lnurl callback")
	}
	q := callback.Query()
	q.Set("amount", strconv.FormatInt(amountMsat, 10))
	if comment = strings.TrimSpace(comment); len(comment) > 0 && service.CommentAllowed > 0 {
		if int64(len(comment)) > service.CommentAllowed {
			comment = comment[:service.CommentAllowed]
		}
		q.Set("comment", comment)
	}
	callback.RawQuery = q.Encode()
	var resInvoice LNServiceInvoice
	if err := getJSON(ctx, callback.String(), &resInvoice); err != nil {
		return LNServiceInvoice{}, err
	}
	if resInvoice.Status == "ERROR" || len(resInvoice.Pr) == 0 {
		return LNServiceInvoice{}, library.Kind(library.ErrProtocol, "lnurl callback: "+resInvoice.Reason)
	}
	return resInvoice, nil
}

// VerifyInvoice polls a LUD-21 verify url.
func VerifyInvoice(ctx context.Context, verifyURL string) (LNServiceVerify, error) {
	var v LNServiceVerify
	if err := getJSON(ctx, verifyURL, &v); err != nil {
		return v, err
	}
	if v.Status == "ERROR" {
		return v, library.Kind(library.ErrProtocol, "lnurl verify: "+v.Reason)
	}
	return v, nil
}

func getJSON(ctx context.Context, target string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return library.Kind(library.ErrProtocol, err.Error())
	}
	resp, err := HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", library.ErrTransport, err.Error())
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %s", library.ErrTransport, err.Error())
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s returned %d", library.ErrTransport, target, resp.StatusCode)
	}
	err = json.Unmarshal(body, into)
	if err != nil {
		return library.Kind(library.ErrProtocol, err.Error())
	}
	return nil
}

// Lud16ToURL turns name@domain into the LNURL-pay well-known url.
func Lud16ToURL(address string) (s string, e error) {
	split := strings.Split(strings.Trim(address, "<> "), "@")
	if len(split) != 2 || len(split[0]) == 0 || len(split[1]) == 0 {
		return "", library.Kind(library.ErrValidation, "invalid lightning address")
	}
	return "https://" + split[1] + "/.well-known/lnurlp/" + split[0], nil
}

func Lud16ToLud06(lud16 string) (string, bool) {
	u, err := Lud16ToURL(lud16)
	if err != nil {
		library.LogCLI(err, 2)
		return "", false
	}
	encodedUrl, err := lnurl.Encode(u)
	if err != nil {
		library.LogCLI(err, 2)
		return "", false
	}
	return encodedUrl, len(encodedUrl) > 0
}

// ServiceURL resolves either a lightning address or a bech32 lnurl into the LNURL-pay url.
func ServiceURL(address string) (string, error) {
	if strings.Contains(address, "@") {
		return Lud16ToURL(address)
	}
	decoded, err := lnurl.LNURLDecode(strings.TrimPrefix(strings.ToLower(address), "lightning:"))
	if err != nil {
		return "", library.Kind(library.ErrValidation, "invalid lnurl: "+err.Error())
	}
	return decoded, nil
}
